//go:build tinygo

package main

/*
#include <stdint.h>

typedef void (*entry_fn)(void);

// jump_to_application disables interrupts and the systick timer, masks
// all NVIC lines, sets the main stack pointer, and branches to entry.
// Direct translation of original_source/emboot.c's emboot_jump.
static void jump_to_application(uint32_t msp, uint32_t entry) {
    __asm__ volatile ("cpsid i");

    volatile uint32_t *systick_ctrl = (volatile uint32_t *)0xE000E010;
    *systick_ctrl &= ~1u;

    volatile uint32_t *nvic_icer = (volatile uint32_t *)0xE000E180;
    volatile uint32_t *nvic_icpr = (volatile uint32_t *)0xE000E280;
    for (int i = 0; i < 8; i++) {
        nvic_icer[i] = 0xFFFFFFFFu;
        nvic_icpr[i] = 0xFFFFFFFFu;
    }

    __asm__ volatile ("msr msp, %0" : : "r" (msp));

    entry_fn fn = (entry_fn)(entry | 1u); // thumb bit
    fn();
}

static void system_reset(void) {
    volatile uint32_t *aircr = (volatile uint32_t *)0xE000ED0C;
    *aircr = (0x5FAu << 16) | (1u << 2);
    for (;;) {}
}
*/
import "C"

import "github.com/openenterprise/emboot/internal/partition"

// jumpToRunApp reads runapp's vector table directly and branches into
// it. Callers are expected to have already confirmed bootability via
// Driver.BootDecision.
func jumpToRunApp() {
	C.jump_to_application(C.uint32_t(runAppMSP()), C.uint32_t(runAppEntry()))
}

func hardReset() {
	C.system_reset()
}

func runAppMSP() uint32 {
	f := partition.NewFlash(runAppOffset, runAppSize)
	var buf [4]byte
	f.ReadAt(0, buf[:])
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func runAppEntry() uint32 {
	f := partition.NewFlash(runAppOffset, runAppSize)
	var buf [4]byte
	f.ReadAt(4, buf[:])
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
