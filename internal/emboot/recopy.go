package emboot

import "github.com/openenterprise/emboot/internal/ctrlrecord"

// recopyPhase re-installs the already-decoded image from the decode
// partition into runapp, used as the target of the external redo
// command (without -f). It trusts the decode_size/decode_hash recorded
// during the original decode phase rather than recomputing them.
// Grounded on original_source/emboot.c's emboot_recopy.
func (d *Driver) recopyPhase(rec ctrlrecord.Record) (Status, error) {
	if rec.DecodeSize == 0 || rec.DecodeSize == 0xFFFFFFFF {
		d.log.Info("recopy:decode", "ok", false, "reason", "no decode recorded")
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}

	decodeOK := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		crc, err := calcHash(d.log, "decode", d.decode, 0, rec.DecodeSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == rec.DecodeHash {
			decodeOK = true
			break
		}
		d.log.Info("recopy:decode", "ok", false, "attempt", attempt+1)
	}
	if !decodeOK {
		d.log.Info("recopy:decode", "ok", false, "exhausted", true)
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}

	ok := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		if err := d.runapp.EraseAll(); err != nil {
			return StatusIdle, err
		}
		if err := copyData(d.log, "runapp", d.decode, 0, d.runapp, rec.DecodeSize); err != nil {
			return StatusIdle, err
		}
		crc, err := calcHash(d.log, "runapp", d.runapp, 0, rec.DecodeSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == rec.DecodeHash {
			ok = true
			break
		}
		d.log.Info("recopy:restore", "ok", false, "attempt", attempt+1)
	}

	if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
		return StatusIdle, err
	}
	if !ok {
		d.log.Info("recopy:restore", "ok", false, "exhausted", true)
		return StatusIdle, nil
	}
	d.log.Info("recopy:done")
	return StatusDone, nil
}
