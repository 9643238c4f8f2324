package emboot

import (
	"github.com/openenterprise/emboot/internal/ctrlrecord"
	"github.com/openenterprise/emboot/internal/header"
)

// verify implements the verify phase: confirm the downloaded package's
// header and body are intact, then find a descriptor whose old-image
// hash matches the current runapp (or that needs no old image at all),
// and commit to decoding it. Grounded on original_source/emboot.c's
// emboot_verify.
//
// Retry-counter resolution: both retry loops below count once per full
// pass (over the body check, and over the whole descriptor list),
// never once per descriptor — a package with N descriptors and no
// match is one failed attempt, not N.
func (d *Driver) verify() (Status, error) {
	h, err := header.Parse(d.backup)
	if err != nil {
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		d.log.Info("verify:header", "ok", false, "err", err)
		return StatusIdle, nil
	}

	bodyOK := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		crc, err := calcHash(d.log, "backup", d.backup, h.HeaderSize, h.RemainSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == h.RemainHash {
			bodyOK = true
			break
		}
		d.log.Info("verify:body", "ok", false, "attempt", attempt+1, "want", h.RemainHash, "got", crc)
	}
	if !bodyOK {
		d.log.Info("verify:body", "ok", false, "exhausted", true)
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}
	d.log.Info("verify:body", "ok", true)

	var matched int = -1
	for attempt := 0; attempt < d.maxTries && matched < 0; attempt++ {
		for i, desc := range h.Descriptors {
			if desc.OldSize == 0 || desc.OldSize == 0xFFFFFFFF {
				matched = i
				break
			}
			crc, err := calcHash(d.log, "runapp", d.runapp, 0, desc.OldSize)
			if err != nil {
				return StatusIdle, err
			}
			if crc == desc.OldHash {
				matched = i
				break
			}
		}
		if matched < 0 {
			d.log.Info("verify:oldapp", "ok", false, "attempt", attempt+1)
		}
	}
	if matched < 0 {
		d.log.Info("verify:oldapp", "ok", false, "exhausted", true)
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}

	if err := d.mirrorHeader(h); err != nil {
		return StatusIdle, err
	}
	if err := d.ctrl.SetPatchIndex(uint32(matched)); err != nil {
		return StatusIdle, err
	}
	if err := d.ctrl.SetStep(ctrlrecord.StepDecode, false); err != nil {
		return StatusIdle, err
	}
	d.log.Info("verify:done", "patch_index", matched, "type", h.Descriptors[matched].Type)
	return StatusBusy, nil
}

// Precheck validates a freshly downloaded package without mutating any
// persistent state, mirroring original_source/emboot.c's
// emboot_verify_precheck. A download driver calls this once the
// transfer completes to decide whether to hand off to the update
// state machine at all.
func (d *Driver) Precheck() error {
	h, err := header.Parse(d.backup)
	if err != nil {
		return err
	}

	bodyOK := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		crc, err := calcHash(d.log, "backup", d.backup, h.HeaderSize, h.RemainSize)
		if err != nil {
			return err
		}
		if crc == h.RemainHash {
			bodyOK = true
			break
		}
	}
	if !bodyOK {
		return ErrRetriesExhausted
	}

	for attempt := 0; attempt < d.maxTries; attempt++ {
		for _, desc := range h.Descriptors {
			if desc.OldSize == 0 || desc.OldSize == 0xFFFFFFFF {
				return nil
			}
			crc, err := calcHash(d.log, "runapp", d.runapp, 0, desc.OldSize)
			if err != nil {
				return err
			}
			if crc == desc.OldHash {
				return nil
			}
		}
	}
	return ErrRetriesExhausted
}

// BeginUpdate prechecks the staged package and, if it is valid, erases
// the control record and arms the state machine at StepVerify —
// equivalent to embcmd_download's call into embrym_recv followed by
// emboot_upctrl_erase/embset_update_step(emboot_step_verify, 0).
func (d *Driver) BeginUpdate() error {
	if err := d.Precheck(); err != nil {
		return err
	}
	if err := d.update.EraseAll(); err != nil {
		return err
	}
	return d.ctrl.SetStep(ctrlrecord.StepVerify, false)
}
