package machine

import (
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// ConsolePath is the device file every machine provides.
const ConsolePath = "/dev/console"

// OpenFile is a reference-counted open file.
type OpenFile struct {
	path   string
	handle afero.File
	refs   int
}

// Path returns the path the file was opened with.
func (f *OpenFile) Path() string {
	return f.path
}

// Dir is a reference-counted directory.
type Dir struct {
	path string
	refs int
}

// Path returns the directory's path.
func (d *Dir) Path() string {
	return d.path
}

// Files is the file layer: reference-counted handles over an afero file
// system. Dup and DupDir share a handle; the last Close releases it.
type Files struct {
	mu   sync.Mutex
	fs   afero.Fs
	root *Dir
	open int
}

// NewFiles creates a file layer over fs, creating the console device if it
// does not exist.
func NewFiles(fs afero.Fs) (*Files, error) {
	if err := fs.MkdirAll(path.Dir(ConsolePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path.Dir(ConsolePath), err)
	}
	if ok, _ := afero.Exists(fs, ConsolePath); !ok {
		if err := afero.WriteFile(fs, ConsolePath, nil, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create console: %w", err)
		}
	}
	return &Files{fs: fs, root: &Dir{path: "/"}}, nil
}

// NewMemFiles creates a file layer over an in-memory file system.
func NewMemFiles() *Files {
	f, err := NewFiles(afero.NewMemMapFs())
	if err != nil {
		// MemMapFs does not fail on MkdirAll or WriteFile.
		panic(err)
	}
	return f
}

// Fs returns the underlying file system.
func (fl *Files) Fs() afero.Fs {
	return fl.fs
}

// OpenCount returns how many distinct handles are open.
func (fl *Files) OpenCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.open
}

// Open opens name for reading and writing.
func (fl *Files) Open(name string) (any, error) {
	h, err := fl.fs.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.open++
	return &OpenFile{path: name, handle: h, refs: 1}, nil
}

// Dup adds a reference to f and returns it.
func (fl *Files) Dup(f any) any {
	of, ok := f.(*OpenFile)
	if !ok || of == nil {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	of.refs++
	return of
}

// Close drops a reference to f, closing the handle with the last one.
func (fl *Files) Close(f any) error {
	of, ok := f.(*OpenFile)
	if !ok || of == nil {
		return fmt.Errorf("%w: file %T", ErrBadHandle, f)
	}

	fl.mu.Lock()
	if of.refs <= 0 {
		fl.mu.Unlock()
		return fmt.Errorf("%w: %s already closed", ErrBadHandle, of.path)
	}
	of.refs--
	last := of.refs == 0
	if last {
		fl.open--
	}
	fl.mu.Unlock()

	if last {
		return of.handle.Close()
	}
	return nil
}

// RootDir returns a new reference to the root directory.
func (fl *Files) RootDir() any {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.root.refs++
	return fl.root
}

// DupDir adds a reference to d and returns it.
func (fl *Files) DupDir(d any) any {
	dir, ok := d.(*Dir)
	if !ok || dir == nil {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	dir.refs++
	return dir
}

// ReleaseDir drops a reference to d.
func (fl *Files) ReleaseDir(d any) error {
	dir, ok := d.(*Dir)
	if !ok || dir == nil {
		return fmt.Errorf("%w: directory %T", ErrBadHandle, d)
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if dir.refs <= 0 {
		return fmt.Errorf("%w: %s released too often", ErrBadHandle, dir.path)
	}
	dir.refs--
	return nil
}

// RootRefs returns the number of references held on the root directory.
func (fl *Files) RootRefs() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.root.refs
}

// CloseAll closes every handle in files and returns the combined error.
func (fl *Files) CloseAll(files ...any) error {
	var errs error
	for _, f := range files {
		if f != nil {
			errs = multierr.Append(errs, fl.Close(f))
		}
	}
	return errs
}
