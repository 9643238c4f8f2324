package partition

import "fmt"

// Sim is an in-memory Partition used by tests. It models NOR flash semantics closely enough to
// exercise the erase-before-set-bits invariant the control record
// accessor depends on (spec.md §3 invariant 4): WriteAt can only clear
// bits relative to the region's current content; setting a bit that is
// currently 0 without an intervening EraseAll is a programming error the
// simulator reports rather than silently allowing, since that is exactly
// the class of bug the step ladder (spec.md §4.3) exists to avoid.
type Sim struct {
	data         []byte
	writeChecked bool
}

// NewSim creates a zero-erased (all 0xFF) region of the given size.
func NewSim(size uint32) *Sim {
	s := &Sim{data: make([]byte, size), writeChecked: true}
	for i := range s.data {
		s.data[i] = 0xFF
	}
	return s
}

// NewSimUnchecked behaves like NewSim but does not enforce the
// erase-before-set-bits rule, for tests that want to seed arbitrary
// content directly (e.g. simulating a pre-populated download).
func NewSimUnchecked(size uint32) *Sim {
	s := NewSim(size)
	s.writeChecked = false
	return s
}

func (s *Sim) EraseAll() error {
	for i := range s.data {
		s.data[i] = 0xFF
	}
	return nil
}

func (s *Sim) ReadAt(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(len(s.data)) {
		return fmt.Errorf("partition/sim: read out of range: offset=%d len=%d size=%d", offset, len(buf), len(s.data))
	}
	copy(buf, s.data[offset:])
	return nil
}

func (s *Sim) WriteAt(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(len(s.data)) {
		return fmt.Errorf("partition/sim: write out of range: offset=%d len=%d size=%d", offset, len(buf), len(s.data))
	}
	if s.writeChecked {
		for i, b := range buf {
			cur := s.data[int(offset)+i]
			if cur&b != b {
				return fmt.Errorf("partition/sim: write at offset %d would set a bit without erase (have %#02x, want %#02x)", int(offset)+i, cur, b)
			}
		}
	}
	copy(s.data[offset:], buf)
	return nil
}

func (s *Sim) Size() uint32 {
	return uint32(len(s.data))
}

// Bytes returns the region's current content. Callers must not mutate
// the returned slice; it aliases the simulator's backing array.
func (s *Sim) Bytes() []byte {
	return s.data
}

// Seed overwrites the region's content directly, bypassing the erase
// check, for test setup that wants to place a known package or image
// without going through EraseAll/WriteAt.
func (s *Sim) Seed(data []byte) {
	copy(s.data, data)
	for i := len(data); i < len(s.data); i++ {
		s.data[i] = 0xFF
	}
}
