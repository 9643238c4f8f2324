// Package ctrlrecord reads and writes the durable control record that
// drives the update state machine: update_step, update_stay,
// patchi_index, and the backup/decode size+hash pairs used for
// rollback/roll-forward. It owns the only two ways the record is ever
// mutated — a non-erasing write (valid when the new value is a bit
// subset of the old, spec.md §4.3/§9) and an erasing write (required
// when bits must be set, e.g. the undo/redo commands).
package ctrlrecord

import (
	"encoding/binary"
	"fmt"

	"github.com/openenterprise/emboot/internal/partition"
)

// Step is one of the eight legal update_step values: the seven phases
// plus finish. The numeric values
// form a bit-subset ladder: each forward transition only clears bits,
// which NOR flash permits without an erase cycle (spec.md §4.3/§9).
type Step uint32

const (
	StepVerify Step = 0x7FFFFFFF
	StepDecode Step = 0x0000FFFF
	StepBackup Step = 0x00000FFF
	StepDocopy Step = 0x000000FF
	StepRevert Step = 0x0000000F
	StepRecopy Step = 0x00000007
	StepRocopy Step = 0x00000003
	StepFinish Step = 0x00000000
)

// idleSentinels holds the two raw update_step values that both mean "no
// update in progress": the erased-flash value and the zero value.
var idleSentinels = [2]uint32{0xFFFFFFFF, 0x00000000}

// IsIdle reports whether a raw update_step value means no update is
// in progress.
func IsIdle(raw uint32) bool {
	return raw == idleSentinels[0] || raw == idleSentinels[1]
}

// recordSize is the on-flash byte size of the control record. It must
// fit within the configured update-zone size (spec.md §3 invariant 4);
// New rejects an update region smaller than recordSize.
const recordSize = 7 * 4

// Record is the fixed-size control record, persisted at update-region
// offset 0.
type Record struct {
	UpdateStep  uint32
	UpdateStay  uint32
	PatchIndex  uint32
	BackupSize  uint32
	BackupHash  uint32
	DecodeSize  uint32
	DecodeHash  uint32
}

func (r Record) marshal() []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.UpdateStep)
	binary.LittleEndian.PutUint32(buf[4:8], r.UpdateStay)
	binary.LittleEndian.PutUint32(buf[8:12], r.PatchIndex)
	binary.LittleEndian.PutUint32(buf[12:16], r.BackupSize)
	binary.LittleEndian.PutUint32(buf[16:20], r.BackupHash)
	binary.LittleEndian.PutUint32(buf[20:24], r.DecodeSize)
	binary.LittleEndian.PutUint32(buf[24:28], r.DecodeHash)
	return buf
}

func unmarshal(buf []byte) Record {
	return Record{
		UpdateStep: binary.LittleEndian.Uint32(buf[0:4]),
		UpdateStay: binary.LittleEndian.Uint32(buf[4:8]),
		PatchIndex: binary.LittleEndian.Uint32(buf[8:12]),
		BackupSize: binary.LittleEndian.Uint32(buf[12:16]),
		BackupHash: binary.LittleEndian.Uint32(buf[16:20]),
		DecodeSize: binary.LittleEndian.Uint32(buf[20:24]),
		DecodeHash: binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// Accessor reads and writes Record against the "update" control
// partition. All fields are owned by the update state machine; the
// runtime reads but never mutates them, except via ReadAndClearStay.
type Accessor struct {
	region partition.Partition
}

// New wraps the update region's Partition in an Accessor. The region's
// Size must be at least large enough to hold Record (spec.md §3
// invariant 4); New returns an error otherwise. A region larger than
// the record is accepted.
func New(region partition.Partition) (*Accessor, error) {
	if region.Size() < recordSize {
		return nil, fmt.Errorf("ctrlrecord: update region too small: %d < %d", region.Size(), recordSize)
	}
	return &Accessor{region: region}, nil
}

// Read loads the current control record. A freshly erased partition
// reads back as all-0xFF, which unmarshals into a Record whose
// UpdateStep is the idle sentinel 0xFFFFFFFF.
func (a *Accessor) Read() (Record, error) {
	buf := make([]byte, recordSize)
	if err := a.region.ReadAt(0, buf); err != nil {
		return Record{}, err
	}
	return unmarshal(buf), nil
}

// writeNonErasing writes rec without erasing first. Valid only when
// every bit set in rec's marshaled form is also set in the region's
// current content — i.e. rec is a bit-subset of what's already there.
// The Sim partition enforces this at the byte level; real flash would
// simply fail to reach the intended value, so callers must only use
// this for the forward-ladder transitions the step ordering guarantees
// are safe (spec.md §4.3).
func (a *Accessor) writeNonErasing(rec Record) error {
	return a.region.WriteAt(0, rec.marshal())
}

// writeErasing erases the whole update region and rewrites it with rec.
// Required whenever a transition needs to set a bit the current record
// doesn't have — notably the undo/redo commands, which can jump
// backward in the step ladder (spec.md §9).
func (a *Accessor) writeErasing(rec Record) error {
	if err := a.region.EraseAll(); err != nil {
		return err
	}
	return a.region.WriteAt(0, rec.marshal())
}

// SetStep persists a new update_step. erase selects the write mode:
// false for a forward ladder transition (non-erasing, cheap), true for
// any transition that may need to set bits (the undo/redo commands).
func (a *Accessor) SetStep(step Step, erase bool) error {
	rec, err := a.Read()
	if err != nil {
		return err
	}
	rec.UpdateStep = uint32(step)
	if erase {
		return a.writeErasing(rec)
	}
	return a.writeNonErasing(rec)
}

// Step returns the current update_step.
func (a *Accessor) Step() (uint32, error) {
	rec, err := a.Read()
	if err != nil {
		return 0, err
	}
	return rec.UpdateStep, nil
}

// SetStay persists update_stay. A nonzero value that is neither
// 0xFFFFFFFF nor 0 means "do not auto-boot on next startup".
func (a *Accessor) SetStay(stay bool) error {
	rec, err := a.Read()
	if err != nil {
		return err
	}
	if stay {
		rec.UpdateStay = 1
	} else {
		rec.UpdateStay = 0
	}
	return a.writeNonErasing(rec)
}

// ReadAndClearStay reports whether update_stay currently holds a "stay"
// value, and if so clears it. This is the only place the read path
// mutates persistent state (spec.md §9): the boot decision consumes the
// stay flag exactly once.
func (a *Accessor) ReadAndClearStay() (bool, error) {
	rec, err := a.Read()
	if err != nil {
		return false, err
	}
	stay := !IsIdle(rec.UpdateStay)
	if stay {
		rec.UpdateStay = 0
		if err := a.writeNonErasing(rec); err != nil {
			return false, err
		}
	}
	return stay, nil
}

// SetPatchIndex persists which patch descriptor verify selected.
func (a *Accessor) SetPatchIndex(index uint32) error {
	rec, err := a.Read()
	if err != nil {
		return err
	}
	rec.PatchIndex = index
	return a.writeNonErasing(rec)
}

// SetBackupInfo persists the snapshot size/hash taken during the backup
// phase, used later by revert.
func (a *Accessor) SetBackupInfo(size, hash uint32) error {
	rec, err := a.Read()
	if err != nil {
		return err
	}
	rec.BackupSize = size
	rec.BackupHash = hash
	return a.writeNonErasing(rec)
}

// SetDecodeInfo persists the decoded candidate's size/hash, used later
// by recopy/rocopy.
func (a *Accessor) SetDecodeInfo(size, hash uint32) error {
	rec, err := a.Read()
	if err != nil {
		return err
	}
	rec.DecodeSize = size
	rec.DecodeHash = hash
	return a.writeNonErasing(rec)
}
