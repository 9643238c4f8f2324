package emboot

import (
	"github.com/openenterprise/emboot/internal/ctrlrecord"
)

// revertPhase restores runapp from the backup snapshot taken before
// docopy, used both as docopy's own failure recovery and as the target
// of the external undo command. Grounded on original_source/emboot.c's
// emboot_revert.
func (d *Driver) revertPhase(rec ctrlrecord.Record) (Status, error) {
	if rec.BackupSize == 0 || rec.BackupSize == 0xFFFFFFFF {
		d.log.Info("revert:backup", "ok", false, "reason", "no backup recorded")
		if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
			return StatusIdle, err
		}
		return StatusIdle, nil
	}

	backupOK := false
	for attempt := 0; attempt < d.maxTries; attempt++ {
		crc, err := calcHash(d.log, "backup", d.backup, 0, rec.BackupSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == rec.BackupHash {
			backupOK = true
			break
		}
		d.log.Info("revert:backup", "ok", false, "attempt", attempt+1)
	}
	if !backupOK {
		d.log.Info("revert:backup", "ok", false, "exhausted", true)
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
		if err := copyData(d.log, "runapp", d.backup, 0, d.runapp, rec.BackupSize); err != nil {
			return StatusIdle, err
		}
		crc, err := calcHash(d.log, "runapp", d.runapp, 0, rec.BackupSize)
		if err != nil {
			return StatusIdle, err
		}
		if crc == rec.BackupHash {
			ok = true
			break
		}
		d.log.Info("revert:restore", "ok", false, "attempt", attempt+1)
	}

	if err := d.ctrl.SetStep(ctrlrecord.StepFinish, false); err != nil {
		return StatusIdle, err
	}
	if !ok {
		d.log.Info("revert:restore", "ok", false, "exhausted", true)
		return StatusIdle, nil
	}
	d.log.Info("revert:done")
	return StatusDone, nil
}
