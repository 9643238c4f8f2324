package emboot

import "github.com/openenterprise/emboot/internal/ctrlrecord"

// BootValidator optionally rejects an otherwise-jumpable runapp image
// by inspecting its vector table, supplementing the original
// firmware's compile-time EMBOOT_MSP_MASK/EMBOOT_APP_MASK checks
// (original_source/emboot.c's emboot_jump). Off by default: a zero
// value accepts any non-erased vector table.
type BootValidator struct {
	MSPMask, MSPData uint32
	AppMask, AppData uint32
}

// Valid reports whether msp (the initial stack pointer) and entry (the
// reset vector) pass this validator's masks. A zero mask always
// passes its corresponding check.
func (v BootValidator) Valid(msp, entry uint32) bool {
	if v.MSPMask != 0 && msp&v.MSPMask != v.MSPData {
		return false
	}
	if v.AppMask != 0 && entry&v.AppMask != v.AppData {
		return false
	}
	return true
}

// BootDecision reports whether the loader should jump straight to
// runapp: the image must look present (its first vector word isn't the
// erased sentinel, and it passes the optional Validator), the update
// state machine must be idle or finished, and update_stay must not be
// set. Reading update_stay here consumes it (spec.md §9): the decision
// is made at most once per stay request. Grounded on
// original_source/emboot.c's emboot_full_boot.
func (d *Driver) BootDecision() (bool, error) {
	msp, entry, err := d.runAppVector()
	if err != nil {
		return false, err
	}
	if msp == 0xFFFFFFFF {
		return false, nil
	}
	if d.validator != nil && !d.validator.Valid(msp, entry) {
		return false, nil
	}

	step, err := d.ctrl.Step()
	if err != nil {
		return false, err
	}
	if !ctrlrecord.IsIdle(step) {
		return false, nil
	}

	stay, err := d.ctrl.ReadAndClearStay()
	if err != nil {
		return false, err
	}
	return !stay, nil
}

// Redo arms the forward roll-forward path: force selects rocopy (which
// recomputes its verification hash fresh) over recopy (which trusts
// the previously recorded decode hash). Equivalent to
// original_source/emboot.c's embcmd_redo.
func (d *Driver) Redo(force bool) error {
	if force {
		return d.ctrl.SetStep(ctrlrecord.StepRocopy, true)
	}
	return d.ctrl.SetStep(ctrlrecord.StepRecopy, true)
}

// Undo arms the rollback path. Equivalent to embcmd_undo.
func (d *Driver) Undo() error {
	return d.ctrl.SetStep(ctrlrecord.StepRevert, true)
}

// Stay persists update_stay, holding the loader at the prompt on next
// boot instead of auto-jumping to runapp.
func (d *Driver) Stay(stay bool) error {
	return d.ctrl.SetStay(stay)
}
