// Package machine provides in-memory stand-ins for the hardware and
// subsystems the kernel treats as collaborators: physical pages, address
// spaces, kernel stacks, and the file layer.
package machine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when the page budget is exhausted.
var ErrOutOfMemory = errors.New("out of memory")

// ErrBadHandle is returned when a handle was not issued by this machine.
var ErrBadHandle = errors.New("bad handle")

// =============================================================================
// ADDRESS SPACES
// =============================================================================

// Space is a user address space. Only its page count is modelled.
type Space struct {
	id    int
	pages int
	freed bool
}

// ID returns the space's serial number.
func (s *Space) ID() int {
	return s.id
}

// Pages returns the number of mapped pages.
func (s *Space) Pages() int {
	return s.pages
}

// Stack is a kernel stack.
type Stack struct {
	id    int
	freed bool
}

// Memory is a fixed budget of physical pages shared by address spaces and
// kernel stacks. It tracks the space each CPU has active.
type Memory struct {
	mu       sync.Mutex
	pageSize int
	total    int
	free     int
	nextID   int
	active   map[int]*Space
	spaces   int
	stacks   int
}

// NewMemory creates a memory of pages pages of pageSize bytes.
func NewMemory(pageSize, pages int) *Memory {
	return &Memory{
		pageSize: pageSize,
		total:    pages,
		free:     pages,
		active:   make(map[int]*Space),
	}
}

// PageSize returns the page size in bytes.
func (m *Memory) PageSize() int {
	return m.pageSize
}

// FreePages returns how many pages are unallocated.
func (m *Memory) FreePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}

// Stats returns the number of live address spaces and kernel stacks.
func (m *Memory) Stats() (spaces, stacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces, m.stacks
}

// pagesFor rounds size up to whole pages.
func (m *Memory) pagesFor(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + m.pageSize - 1) / m.pageSize
}

// take reserves n pages. The caller holds mu.
func (m *Memory) take(n int) error {
	if n > m.free {
		return fmt.Errorf("%w: need %d pages, %d free", ErrOutOfMemory, n, m.free)
	}
	m.free -= n
	return nil
}

func (m *Memory) space(as any) (*Space, error) {
	s, ok := as.(*Space)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: address space %T", ErrBadHandle, as)
	}
	if s.freed {
		return nil, fmt.Errorf("%w: address space %d already destroyed", ErrBadHandle, s.id)
	}
	return s, nil
}

// Create builds an address space holding an initial image of initSize
// bytes.
func (m *Memory) Create(initSize int) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.pagesFor(initSize)
	if err := m.take(n); err != nil {
		return nil, err
	}
	m.nextID++
	m.spaces++
	return &Space{id: m.nextID, pages: n}, nil
}

// Copy duplicates the first size bytes of src.
func (m *Memory) Copy(src any, size int) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.space(src); err != nil {
		return nil, err
	}
	n := m.pagesFor(size)
	if err := m.take(n); err != nil {
		return nil, err
	}
	m.nextID++
	m.spaces++
	return &Space{id: m.nextID, pages: n}, nil
}

// Grow extends as from oldSize to newSize bytes and returns newSize.
func (m *Memory) Grow(as any, oldSize, newSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(as)
	if err != nil {
		return 0, err
	}
	if newSize < oldSize {
		return oldSize, nil
	}
	n := m.pagesFor(newSize) - m.pagesFor(oldSize)
	if err := m.take(n); err != nil {
		return 0, err
	}
	s.pages += n
	return newSize, nil
}

// Shrink reduces as from oldSize to newSize bytes and returns newSize.
func (m *Memory) Shrink(as any, oldSize, newSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(as)
	if err != nil {
		return 0, err
	}
	if newSize < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrBadHandle, newSize)
	}
	if newSize > oldSize {
		return oldSize, nil
	}
	n := m.pagesFor(oldSize) - m.pagesFor(newSize)
	s.pages -= n
	m.free += n
	return newSize, nil
}

// Destroy frees as and every page mapped in it.
func (m *Memory) Destroy(as any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(as)
	if err != nil {
		return
	}
	m.free += s.pages
	s.pages = 0
	s.freed = true
	m.spaces--
	for cpu, a := range m.active {
		if a == s {
			delete(m.active, cpu)
		}
	}
}

// Activate switches cpu to as.
func (m *Memory) Activate(cpu int, as any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, err := m.space(as); err == nil {
		m.active[cpu] = s
	}
}

// Deactivate switches cpu back to the kernel-only space.
func (m *Memory) Deactivate(cpu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, cpu)
}

// Active returns the space cpu has active, or nil.
func (m *Memory) Active(cpu int) *Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[cpu]
}

// =============================================================================
// KERNEL STACKS
// =============================================================================

// AllocStack takes one page for a kernel stack.
func (m *Memory) AllocStack() (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.take(1); err != nil {
		return nil, err
	}
	m.nextID++
	m.stacks++
	return &Stack{id: m.nextID}, nil
}

// FreeStack returns a kernel stack's page. Freeing twice is ignored.
func (m *Memory) FreeStack(s any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := s.(*Stack)
	if !ok || st == nil || st.freed {
		return
	}
	st.freed = true
	m.stacks--
	m.free++
}
