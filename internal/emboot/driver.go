package emboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openenterprise/emboot/internal/ctrlrecord"
	"github.com/openenterprise/emboot/internal/decoder"
	"github.com/openenterprise/emboot/internal/header"
	"github.com/openenterprise/emboot/internal/partition"
)

// ErrRetriesExhausted is returned by Precheck (and so by BeginUpdate)
// when a package check fails on every try. The phases run by Step do
// not return it: they report an exhausted retry budget through the
// returned Status.
var ErrRetriesExhausted = errors.New("emboot: retries exhausted")

// headerMirrorOffset is where verify copies the package header inside
// the update (control) partition, so later phases can re-read it after
// the backup partition has been overwritten by the runapp snapshot
// (original_source/emboot.c's EMBOOT_MOV_ADDR).
const headerMirrorOffset = 1024

// Config wires a Driver to its partitions and policy.
type Config struct {
	Partitions partition.Set
	Decoder    decoder.Decoder

	// RunAppSize is the logical size of the running application image
	// within the runapp partition — not necessarily the partition's
	// full capacity — used for backup/rocopy hashing.
	RunAppSize uint32

	// MaxTries bounds how many times a phase retries a failed
	// verification before giving up (original_source's EMBOOT_MAX_TRYS).
	// Zero selects the firmware's default of 2.
	MaxTries int

	// Validator optionally rejects an otherwise-jumpable runapp image
	// based on its vector table, supplementing the original firmware's
	// compile-time EMBOOT_MSP_MASK/EMBOOT_APP_MASK checks.
	Validator *BootValidator

	Log *slog.Logger
}

// Driver runs the update state machine against a fixed set of
// partitions. One Step call advances exactly one phase, matching
// original_source/emboot.c's emboot_update dispatch-by-step table.
type Driver struct {
	runapp partition.Partition
	backup partition.Partition
	decode partition.Partition
	update partition.Partition

	ctrl *ctrlrecord.Accessor
	dec  decoder.Decoder

	runAppSize uint32
	maxTries   int
	validator  *BootValidator
	log        *slog.Logger
}

// New resolves cfg.Partitions into the four named regions and builds a
// Driver. All four regions must be present.
func New(cfg Config) (*Driver, error) {
	runapp, err := partition.Get(cfg.Partitions, partition.RunApp)
	if err != nil {
		return nil, fmt.Errorf("emboot: %w", err)
	}
	backup, err := partition.Get(cfg.Partitions, partition.Backup)
	if err != nil {
		return nil, fmt.Errorf("emboot: %w", err)
	}
	decodeRegion, err := partition.Get(cfg.Partitions, partition.Decode)
	if err != nil {
		return nil, fmt.Errorf("emboot: %w", err)
	}
	update, err := partition.Get(cfg.Partitions, partition.Update)
	if err != nil {
		return nil, fmt.Errorf("emboot: %w", err)
	}
	ctrl, err := ctrlrecord.New(update)
	if err != nil {
		return nil, err
	}

	maxTries := cfg.MaxTries
	if maxTries <= 0 {
		maxTries = 2
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Driver{
		runapp:     runapp,
		backup:     backup,
		decode:     decodeRegion,
		update:     update,
		ctrl:       ctrl,
		dec:        cfg.Decoder,
		runAppSize: cfg.RunAppSize,
		maxTries:   maxTries,
		validator:  cfg.Validator,
		log:        log,
	}, nil
}

// offsetReader adapts a partition.Partition to header.Reader at a fixed
// base offset, so a header mirrored partway into a partition can be
// parsed with the same two-phase logic as one starting at offset 0.
type offsetReader struct {
	base uint32
	r    partition.Partition
}

func (o offsetReader) ReadAt(offset uint32, buf []byte) error {
	return o.r.ReadAt(o.base+offset, buf)
}

// Step reads the current update_step and runs exactly one phase,
// matching original_source/emboot.c's update[] dispatch table. A step
// value outside the seven known phases reports StatusIdle and does
// nothing, the same as falling off the end of that table.
func (d *Driver) Step() (Status, error) {
	rec, err := d.ctrl.Read()
	if err != nil {
		return StatusIdle, err
	}

	switch ctrlrecord.Step(rec.UpdateStep) {
	case ctrlrecord.StepVerify:
		return d.verify()
	case ctrlrecord.StepDecode:
		return d.decodePhase(rec.PatchIndex)
	case ctrlrecord.StepBackup:
		return d.backupPhase()
	case ctrlrecord.StepDocopy:
		return d.docopyPhase(rec.PatchIndex)
	case ctrlrecord.StepRevert:
		return d.revertPhase(rec)
	case ctrlrecord.StepRecopy:
		return d.recopyPhase(rec)
	case ctrlrecord.StepRocopy:
		return d.rocopyPhase()
	default:
		return StatusIdle, nil
	}
}

// readControlHeader re-reads the package header from its mirror inside
// the update partition, used by the decode and docopy phases. Verify
// reads the header straight from the download staging area; backup,
// revert, recopy and rocopy do not read it at all.
func (d *Driver) readControlHeader() (header.Header, error) {
	return header.Parse(offsetReader{base: headerMirrorOffset, r: d.update})
}

// mirrorHeader copies a parsed header's raw bytes into the update
// partition, the Go equivalent of verify's emboot_upctrl_write call:
// once backup is overwritten by the runapp snapshot, later phases must
// read the header from this mirror instead.
func (d *Driver) mirrorHeader(h header.Header) error {
	buf := header.Marshal(h)
	if uint64(headerMirrorOffset)+uint64(len(buf)) > uint64(d.update.Size()) {
		return fmt.Errorf("emboot: header mirror at offset %d (%d bytes) overruns update partition (%d bytes)", headerMirrorOffset, len(buf), d.update.Size())
	}
	return d.update.WriteAt(headerMirrorOffset, buf)
}

// runAppVector reads the first two 32-bit words of the runapp region:
// the initial stack pointer and the reset vector, the same words
// original_source/emboot.c's emboot_jump/emboot_fast_boot inspect.
func (d *Driver) runAppVector() (msp, entry uint32, err error) {
	buf := make([]byte, 8)
	if err := d.runapp.ReadAt(0, buf); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}
