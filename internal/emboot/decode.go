package emboot

import (
	"github.com/openenterprise/emboot/internal/ctrlrecord"
	"github.com/openenterprise/emboot/internal/decoder"
	"github.com/openenterprise/emboot/internal/header"
)

// decodePhase applies the selected descriptor's patch (or copies its
// full image) into the decode partition, retrying the whole decode on
// a hash mismatch. Grounded on original_source/emboot.c's
// emboot_decode.
func (d *Driver) decodePhase(patchIndex uint32) (Status, error) {
	h, err := d.readControlHeader()
	if err != nil {
		return StatusIdle, err
	}
	if int(patchIndex) >= len(h.Descriptors) {
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}
	desc := h.Descriptors[patchIndex]

	ok := false
	var lastErr error
	for attempt := 0; attempt < d.maxTries; attempt++ {
		if err := d.decode.EraseAll(); err != nil {
			return StatusIdle, err
		}

		switch {
		case desc.Type == header.TypeFullImage:
			if err := copyData(d.log, "decode", d.backup, h.HeaderSize, d.decode, h.RemainSize); err != nil {
				return StatusIdle, err
			}
		case desc.Type == header.TypeFullPatch:
			lastErr = d.dec.Patch(d.backup, h.HeaderSize+desc.Addr, desc.PatchSize, decoder.ZeroReader{}, desc.OldSize, d.decode, desc.NewSize, func(p int) {
				d.log.Debug("decode:percent", "percent", p)
			})
		default:
			lastErr = d.dec.Patch(d.backup, h.HeaderSize+desc.Addr, desc.PatchSize, d.runapp, desc.OldSize, d.decode, desc.NewSize, func(p int) {
				d.log.Debug("decode:percent", "percent", p)
			})
		}
		if lastErr != nil {
			d.log.Info("decode:apply", "ok", false, "attempt", attempt+1, "err", lastErr)
			continue
		}

		crc, err := calcHash(d.log, "decode", d.decode, 0, desc.NewSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == desc.NewHash {
			ok = true
			break
		}
		d.log.Info("decode:verify", "ok", false, "attempt", attempt+1, "want", desc.NewHash, "got", crc)
	}

	if !ok {
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}

	if err := d.ctrl.SetDecodeInfo(desc.NewSize, desc.NewHash); err != nil {
		return StatusIdle, err
	}
	if err := d.ctrl.SetStep(ctrlrecord.StepBackup, false); err != nil {
		return StatusIdle, err
	}
	d.log.Info("decode:done")
	return StatusBusy, nil
}
