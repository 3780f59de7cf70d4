package kernel

// =============================================================================
// DEVICES
// =============================================================================

// Handles owned by the collaborators below are opaque to the kernel.
type (
	AddressSpace = any
	KernelStack  = any
	File         = any
	Inode        = any
)

// AddressSpaces creates, copies, resizes, and activates user memory.
type AddressSpaces interface {
	// Create builds an address space holding the initial program image.
	Create(initSize int) (AddressSpace, error)
	// Copy duplicates the first size bytes of src.
	Copy(src AddressSpace, size int) (AddressSpace, error)
	// Grow extends as from oldSize to newSize and returns the new size.
	Grow(as AddressSpace, oldSize, newSize int) (int, error)
	// Shrink reduces as from oldSize to newSize and returns the new size.
	Shrink(as AddressSpace, oldSize, newSize int) (int, error)
	// Destroy frees as and everything mapped in it.
	Destroy(as AddressSpace)
	// Activate switches cpu to as.
	Activate(cpu int, as AddressSpace)
	// Deactivate switches cpu back to the kernel-only space.
	Deactivate(cpu int)
}

// StackAllocator hands out kernel stacks.
type StackAllocator interface {
	AllocStack() (KernelStack, error)
	FreeStack(s KernelStack)
}

// FileSystem provides reference-counted open files and directories.
type FileSystem interface {
	Open(path string) (File, error)
	Dup(f File) File
	Close(f File) error
	RootDir() Inode
	DupDir(d Inode) Inode
	ReleaseDir(d Inode) error
}

// Devices bundles the collaborators the kernel needs.
type Devices struct {
	Memory AddressSpaces
	Stacks StackAllocator
	Files  FileSystem
}
