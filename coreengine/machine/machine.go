package machine

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
)

// Machine bundles the memory and the file layer of one simulated computer.
type Machine struct {
	Memory *Memory
	Files  *Files
}

// New builds a machine sized by cfg over fs. A nil fs uses an in-memory
// file system.
func New(cfg *config.KernelConfig, fs afero.Fs) (*Machine, error) {
	if cfg == nil {
		cfg = config.Get()
	}
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	files, err := NewFiles(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to create file layer: %w", err)
	}
	return &Machine{
		Memory: NewMemory(cfg.PageSize, cfg.MemoryPages),
		Files:  files,
	}, nil
}
