package emboot

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openenterprise/emboot/internal/crc32mpeg"
	"github.com/openenterprise/emboot/internal/ctrlrecord"
	"github.com/openenterprise/emboot/internal/decoder"
	"github.com/openenterprise/emboot/internal/header"
	"github.com/openenterprise/emboot/internal/partition"
)

const (
	runAppPartSize = 0x4000
	backupPartSize = 0x4000
	decodePartSize = 0x4000
	updatePartSize = 0x2000
)

type harness struct {
	runapp, backup, decode, update *partition.Sim
	driver                         *Driver
}

func newHarness(t testing.TB, runAppSize uint32) *harness {
	t.Helper()
	h := &harness{
		runapp: partition.NewSim(runAppPartSize),
		backup: partition.NewSim(backupPartSize),
		decode: partition.NewSim(decodePartSize),
		update: partition.NewSim(updatePartSize),
	}
	set := partition.NewSet(map[partition.Name]partition.Partition{
		partition.RunApp: h.runapp,
		partition.Backup: h.backup,
		partition.Decode: h.decode,
		partition.Update: h.update,
	})
	drv, err := New(Config{
		Partitions: set,
		Decoder:    decoder.IdentityDecoder{},
		RunAppSize: runAppSize,
		MaxTries:   2,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.driver = drv
	return h
}

// seedRunApp writes a deterministic non-erased image into runapp so its
// vector table reads as present and its hash is reproducible.
func seedRunApp(h *harness, size uint32) []byte {
	img := fill(size, 0xAA)
	h.runapp.Seed(img)
	return img
}

func fill(size uint32, seed byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = seed ^ byte(i)
	}
	return buf
}

// buildFullImagePackage lays out a package in backup: header + one
// FULL_IMAGE descriptor whose payload is newImg.
func buildFullImagePackage(h *harness, newImg []byte) header.Header {
	hdr := header.Header{
		RemainSize: uint32(len(newImg)),
		Descriptors: []header.Descriptor{{
			Type:    header.TypeFullImage,
			Addr:    0,
			NewSize: uint32(len(newImg)),
			NewHash: crc32mpeg.Checksum(newImg),
		}},
	}
	hdr.RemainHash = crc32mpeg.Checksum(newImg)
	hdrBuf := header.Marshal(hdr)

	body := append(append([]byte(nil), hdrBuf...), newImg...)
	h.backup.Seed(body)
	return hdr
}

// buildDiffPatchPackage lays out a package whose single descriptor is a
// diff patch (type 0x1) against oldImg, using the identity decoder
// (patch payload == new image verbatim).
func buildDiffPatchPackage(h *harness, oldImg, newImg []byte) header.Header {
	hdr := header.Header{
		RemainSize: uint32(len(newImg)),
		Descriptors: []header.Descriptor{{
			Type:      header.Type(0x1),
			Addr:      0,
			PatchSize: uint32(len(newImg)),
			OldSize:   uint32(len(oldImg)),
			OldHash:   crc32mpeg.Checksum(oldImg),
			NewSize:   uint32(len(newImg)),
			NewHash:   crc32mpeg.Checksum(newImg),
		}},
	}
	hdr.RemainHash = crc32mpeg.Checksum(newImg)
	hdrBuf := header.Marshal(hdr)

	body := append(append([]byte(nil), hdrBuf...), newImg...)
	h.backup.Seed(body)
	return hdr
}

func runToIdleOrDone(t testing.TB, d *Driver, maxSteps int) []Status {
	t.Helper()
	var seq []Status
	for i := 0; i < maxSteps; i++ {
		status, err := d.Step()
		require.NoError(t, err)
		seq = append(seq, status)
		if status != StatusBusy {
			return seq
		}
	}
	t.Fatalf("did not reach a terminal status within %d steps: %v", maxSteps, seq)
	return seq
}

// S1: full-image happy path.
func TestScenario_S1_FullImageHappyPath(t *testing.T) {
	h := newHarness(t, runAppPartSize)
	seedRunApp(h, runAppPartSize)
	newImg := fill(0x2000, 0x55)
	buildFullImagePackage(h, newImg)

	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepVerify, false))

	seq := runToIdleOrDone(t, h.driver, 10)
	requireSequence(t, seq, StatusBusy, StatusBusy, StatusBusy, StatusDone)

	crc, err := calcHash(slog.New(slog.NewTextHandler(io.Discard, nil)), "runapp", h.runapp, 0, uint32(len(newImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(newImg), crc)

	rec, err := h.driver.ctrl.Read()
	require.NoError(t, err)
	require.Equal(t, uint32(runAppPartSize), rec.BackupSize)
}

// S2: diff patch against a matching runapp.
func TestScenario_S2_DiffPatchMatchingRunApp(t *testing.T) {
	h := newHarness(t, 0x1000)
	oldImg := seedRunApp(h, 0x1000)
	newImg := fill(0x1000, 0x77)
	buildDiffPatchPackage(h, oldImg, newImg)

	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepVerify, false))

	seq := runToIdleOrDone(t, h.driver, 10)
	requireSequence(t, seq, StatusBusy, StatusBusy, StatusBusy, StatusDone)

	crc, err := calcHash(slog.New(slog.NewTextHandler(io.Discard, nil)), "runapp", h.runapp, 0, uint32(len(newImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(newImg), crc)
}

// S3: diff patch whose oldapp_hash matches nothing; verify exhausts
// retries and runapp is left untouched.
func TestScenario_S3_DiffPatchMismatch(t *testing.T) {
	h := newHarness(t, 0x1000)
	oldImg := seedRunApp(h, 0x1000)
	unrelated := fill(0x1000, 0x99)
	newImg := fill(0x1000, 0x66)

	hdr := header.Header{
		RemainSize: uint32(len(newImg)),
		Descriptors: []header.Descriptor{{
			Type:      header.Type(0x1),
			PatchSize: uint32(len(newImg)),
			OldSize:   uint32(len(unrelated)),
			OldHash:   crc32mpeg.Checksum(unrelated), // does not match oldImg
			NewSize:   uint32(len(newImg)),
			NewHash:   crc32mpeg.Checksum(newImg),
		}},
	}
	hdr.RemainHash = crc32mpeg.Checksum(newImg)
	hdrBuf := header.Marshal(hdr)
	body := append(append([]byte(nil), hdrBuf...), newImg...)
	h.backup.Seed(body)

	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepVerify, false))

	seq := runToIdleOrDone(t, h.driver, 10)
	requireSequence(t, seq, StatusIdle)

	rec, err := h.driver.ctrl.Read()
	require.NoError(t, err)
	require.True(t, ctrlrecord.IsIdle(rec.UpdateStep))

	crc, err := calcHash(slog.New(slog.NewTextHandler(io.Discard, nil)), "runapp", h.runapp, 0, uint32(len(oldImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(oldImg), crc, "runapp must be unchanged")
}

// S4: crash before docopy's step persist. Re-running docopy from the
// same persisted state reaches the same final outcome.
func TestScenario_S4_CrashBeforeDocopyPersist(t *testing.T) {
	h := newHarness(t, 0x1000)
	seedRunApp(h, 0x1000)
	newImg := fill(0x1000, 0x33)
	buildFullImagePackage(h, newImg)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepVerify, false))

	// Drive to docopy without letting it finish.
	for i := 0; i < 10; i++ {
		rec, err := h.driver.ctrl.Read()
		require.NoError(t, err)
		if ctrlrecord.Step(rec.UpdateStep) == ctrlrecord.StepDocopy {
			break
		}
		_, err = h.driver.Step()
		require.NoError(t, err)
	}

	// Simulate docopy writing runapp and then crashing before it
	// persists finish: update_step still reads docopy.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, h.runapp.EraseAll())
	require.NoError(t, copyData(quiet, "runapp", h.decode, 0, h.runapp, uint32(len(newImg))))

	// Reboot: re-run docopy from scratch against a fresh Driver
	// sharing the same persisted partitions.
	fresh, err := New(Config{
		Partitions: partition.NewSet(map[partition.Name]partition.Partition{
			partition.RunApp: h.runapp, partition.Backup: h.backup,
			partition.Decode: h.decode, partition.Update: h.update,
		}),
		Decoder: decoder.IdentityDecoder{}, RunAppSize: 0x1000, MaxTries: 2, Log: quiet,
	})
	require.NoError(t, err)
	status, err := fresh.Step()
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	rec, err := fresh.ctrl.Read()
	require.NoError(t, err)
	require.Equal(t, uint32(ctrlrecord.StepFinish), rec.UpdateStep)

	crc, err := calcHash(quiet, "runapp", h.runapp, 0, uint32(len(newImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(newImg), crc)
}

// S5: docopy retries exhausted forces a revert, ending in done with
// runapp restored to the pre-update backup.
func TestScenario_S5_DocopyRetriesExhaustedRevert(t *testing.T) {
	h := newHarness(t, 0x1000)
	oldImg := seedRunApp(h, 0x1000)

	// A decoded image whose recorded hash never matches runapp's
	// readback, forcing docopy to exhaust retries every time.
	hdr := header.Header{
		Descriptors: []header.Descriptor{{
			Type:    header.TypeFullImage,
			NewSize: 0x1000,
			NewHash: 0xDEADBEEF, // deliberately wrong
		}},
	}
	require.NoError(t, h.driver.mirrorHeader(hdr))
	require.NoError(t, h.driver.ctrl.SetPatchIndex(0))
	require.NoError(t, h.driver.ctrl.SetBackupInfo(uint32(len(oldImg)), crc32mpeg.Checksum(oldImg)))
	h.decode.Seed(fill(0x1000, 0x22))
	h.backup.Seed(oldImg)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepDocopy, false))

	seq := runToIdleOrDone(t, h.driver, 10)
	require.Equal(t, StatusDone, seq[len(seq)-1])

	crc, err := calcHash(slog.New(slog.NewTextHandler(io.Discard, nil)), "runapp", h.runapp, 0, uint32(len(oldImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(oldImg), crc)
}

// S6: user undo while step is finish but backup is still valid.
func TestScenario_S6_UserUndo(t *testing.T) {
	h := newHarness(t, 0x1000)
	oldImg := seedRunApp(h, 0x1000)
	h.backup.Seed(oldImg)

	require.NoError(t, h.driver.ctrl.SetBackupInfo(uint32(len(oldImg)), crc32mpeg.Checksum(oldImg)))
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepFinish, false))

	// runapp now diverges from backup (as if docopy had installed a new image).
	h.runapp.Seed(fill(0x1000, 0xEE))

	require.NoError(t, h.driver.Undo())

	seq := runToIdleOrDone(t, h.driver, 10)
	require.Equal(t, StatusDone, seq[len(seq)-1])

	crc, err := calcHash(slog.New(slog.NewTextHandler(io.Discard, nil)), "runapp", h.runapp, 0, uint32(len(oldImg)))
	require.NoError(t, err)
	require.Equal(t, crc32mpeg.Checksum(oldImg), crc)

	rec, err := h.driver.ctrl.Read()
	require.NoError(t, err)
	require.Equal(t, uint32(ctrlrecord.StepFinish), rec.UpdateStep)
}

func TestBootDecision_JumpsWhenIdleAndNotStayed(t *testing.T) {
	h := newHarness(t, 0x1000)
	seedRunApp(h, 0x1000)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepFinish, false))

	jump, err := h.driver.BootDecision()
	require.NoError(t, err)
	require.True(t, jump)
}

func TestBootDecision_StaysWhenRunAppErased(t *testing.T) {
	h := newHarness(t, 0x1000)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepFinish, false))

	jump, err := h.driver.BootDecision()
	require.NoError(t, err)
	require.False(t, jump)
}

func TestBootDecision_HonorsStay(t *testing.T) {
	h := newHarness(t, 0x1000)
	seedRunApp(h, 0x1000)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepFinish, false))
	require.NoError(t, h.driver.Stay(true))

	jump, err := h.driver.BootDecision()
	require.NoError(t, err)
	require.False(t, jump, "stay must block the first boot decision")

	jump, err = h.driver.BootDecision()
	require.NoError(t, err)
	require.True(t, jump, "stay is one-shot: the next decision must jump")
}

func TestBootDecision_DoesNotJumpMidUpdate(t *testing.T) {
	h := newHarness(t, 0x1000)
	seedRunApp(h, 0x1000)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepVerify, false))

	jump, err := h.driver.BootDecision()
	require.NoError(t, err)
	require.False(t, jump)
}

func TestBootValidator_RejectsBadVector(t *testing.T) {
	h := newHarness(t, 0x1000)
	seedRunApp(h, 0x1000)
	require.NoError(t, h.driver.ctrl.SetStep(ctrlrecord.StepFinish, false))
	h.driver.validator = &BootValidator{AppMask: 0xFF000000, AppData: 0x08000000}

	jump, err := h.driver.BootDecision()
	require.NoError(t, err)
	require.False(t, jump)
}

func requireSequence(t testing.TB, got []Status, want ...Status) {
	t.Helper()
	require.Equal(t, want, got, fmt.Sprintf("got=%v want=%v", got, want))
}
