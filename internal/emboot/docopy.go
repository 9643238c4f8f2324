package emboot

import "github.com/openenterprise/emboot/internal/ctrlrecord"

// docopyPhase installs the decoded image into runapp. A verification
// failure here is the one case that routes to revert instead of
// finish: docopy has already erased the only good copy of the app, so
// the recovery path is to restore the backup taken one phase earlier.
// Grounded on original_source/emboot.c's emboot_docopy.
func (d *Driver) docopyPhase(patchIndex uint32) (Status, error) {
	h, err := d.readControlHeader()
	if err != nil {
		return StatusIdle, err
	}
	if int(patchIndex) >= len(h.Descriptors) {
		// StepRevert is a bit-subset of StepDocopy, so this write only
		// clears bits; non-erase keeps update_step from reading idle
		// mid-write.
		if err := d.ctrl.SetStep(ctrlrecord.StepRevert, false); err != nil {
			return StatusIdle, err
		}
		return StatusBusy, nil
	}
	desc := h.Descriptors[patchIndex]

	ok := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		if err := d.runapp.EraseAll(); err != nil {
			return StatusIdle, err
		}
		if err := copyData(d.log, "runapp", d.decode, 0, d.runapp, desc.NewSize); err != nil {
			return StatusIdle, err
		}
		crc, err := calcHash(d.log, "runapp", d.runapp, 0, desc.NewSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == desc.NewHash {
			ok = true
			break
		}
		d.log.Info("docopy:verify", "ok", false, "attempt", attempt+1, "want", desc.NewHash, "got", crc)
	}

	if !ok {
		d.log.Info("docopy:verify", "ok", false, "exhausted", true, "next", "revert")
		if err := d.ctrl.SetStep(ctrlrecord.StepRevert, false); err != nil {
			return StatusIdle, err
		}
		return StatusBusy, nil
	}

	if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
		return StatusIdle, err
	}
	d.log.Info("docopy:done")
	return StatusDone, nil
}
