package emboot

import "github.com/openenterprise/emboot/internal/ctrlrecord"

// rocopyPhase is redo's forced variant: rather than trusting the
// control record's decode_hash, it hashes the decode partition fresh
// (over RunAppSize bytes, not whatever decode_size was last recorded)
// and treats that as ground truth for the restore verification. This
// is the one phase with no failure path back to finish/idle on the
// initial hash — it always proceeds to the copy, matching
// original_source/emboot.c's emboot_rocopy, which has no validity
// check before recopying.
func (d *Driver) rocopyPhase() (Status, error) {
	freshHash, err := calcHash(d.log, "decode", d.decode, 0, d.runAppSize)
	if err != nil {
		return StatusIdle, err
	}

	ok := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		if err := d.runapp.EraseAll(); err != nil {
			return StatusIdle, err
		}
		if err := copyData(d.log, "runapp", d.decode, 0, d.runapp, d.runAppSize); err != nil {
			return StatusIdle, err
		}
		crc, err := calcHash(d.log, "runapp", d.runapp, 0, d.runAppSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == freshHash {
			ok = true
			break
		}
		d.log.Info("rocopy:restore", "ok", false, "attempt", attempt+1)
	}

	if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
		return StatusIdle, err
	}
	if !ok {
		d.log.Info("rocopy:restore", "ok", false, "exhausted", true)
		return StatusIdle, nil
	}
	d.log.Info("rocopy:done")
	return StatusDone, nil
}
