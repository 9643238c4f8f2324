package emboot

import "github.com/openenterprise/emboot/internal/ctrlrecord"

// backupPhase snapshots the current runapp image into the backup
// partition so revert can restore it later. Unlike the other phases,
// the original firmware never retries this one — there is nothing to
// verify against yet, so a write failure here surfaces as an I/O error
// rather than a retry. Grounded on original_source/emboot.c's
// emboot_backup.
func (d *Driver) backupPhase() (Status, error) {
	if err := d.backup.EraseAll(); err != nil {
		return StatusIdle, err
	}
	if err := copyData(d.log, "backup", d.runapp, 0, d.backup, d.runAppSize); err != nil {
		return StatusIdle, err
	}
	crc, err := calcHash(d.log, "runapp", d.runapp, 0, d.runAppSize)
	if err != nil {
		return StatusIdle, err
	}
	if err := d.ctrl.SetBackupInfo(d.runAppSize, crc); err != nil {
		return StatusIdle, err
	}
	if err := d.ctrl.SetStep(ctrlrecord.StepDocopy, false); err != nil {
		return StatusIdle, err
	}
	d.log.Info("backup:done", "size", d.runAppSize, "hash", crc)
	return StatusBusy, nil
}
