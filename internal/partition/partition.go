// Package partition provides the uniform erase/read/write facade over the
// four logical flash regions the update core operates on: runapp, backup,
// decode, and update. It is the only interface the state machine uses;
// all physical addressing is hidden behind implementations of Partition.
package partition

import "errors"

// ErrNotFound is returned by a Set when a logical region name has no
// backing partition.
var ErrNotFound = errors.New("partition: region not found")

// Name identifies one of the four logical regions.
type Name string

const (
	RunApp Name = "runapp"
	Backup Name = "backup"
	Decode Name = "decode"
	Update Name = "update"
)

// Partition is the minimal operation set the update core performs against
// a region: erase the whole region, and random-access read/write within
// its bounds. Implementations return a non-nil error on any I/O failure.
// The update core does not retry on such an error and does not count it
// against a phase's retry budget: Driver.Step returns it with
// update_step unchanged, so the next Step call runs the same phase
// again. The one exception is a failed header read in verify, which
// ends the update at finish like a bad header.
type Partition interface {
	// EraseAll erases the entire region. Required before any write that
	// needs to clear bits the region doesn't already hold.
	EraseAll() error

	// ReadAt reads len(buf) bytes starting at offset.
	ReadAt(offset uint32, buf []byte) error

	// WriteAt writes buf starting at offset. The region must already be
	// erased wherever bits need to transition from 0 to 1.
	WriteAt(offset uint32, buf []byte) error

	// Size returns the capacity of the region in bytes.
	Size() uint32
}

// Set resolves logical region names to their backing Partition.
type Set interface {
	Find(name Name) (Partition, bool)
}

// staticSet is the common Set implementation: a fixed mapping built once
// at startup, mirroring the external partition service's find(name) in
// spec.md §6.
type staticSet map[Name]Partition

// NewSet builds a Set from a fixed name->Partition mapping.
func NewSet(m map[Name]Partition) Set {
	s := make(staticSet, len(m))
	for k, v := range m {
		s[k] = v
	}
	return s
}

func (s staticSet) Find(name Name) (Partition, bool) {
	p, ok := s[name]
	return p, ok
}

// Get is a convenience wrapper returning ErrNotFound instead of a bool.
func Get(set Set, name Name) (Partition, error) {
	p, ok := set.Find(name)
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}
