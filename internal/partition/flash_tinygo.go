//go:build tinygo

package partition

/*
#include <stdint.h>
#include <stddef.h>

// ============================================================================
// ROM Function Infrastructure (duplicated from TinyGo's machine_rp2350_rom.go,
// same approach the teacher firmware uses to bypass machine.Flash's wrong
// offsets for a custom partition layout)
// ============================================================================

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);

static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

static int rom_flash_write(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int rom_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int rom_flash_read(uint32_t xip_addr, uint8_t *data, uint32_t len) {
    const uint8_t *src = (const uint8_t *)(uintptr_t)xip_addr;
    for (uint32_t i = 0; i < len; i++) {
        data[i] = src[i];
    }
    return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const (
	xipBase    = uint32(0x10000000)
	sectorSize = uint32(4096)
)

// Flash is a Partition backed directly by RP2350 ROM flash functions,
// bypassing TinyGo's machine.Flash the same way the teacher's ota
// package does (machine.Flash adds an unwanted FlashDataStart() offset
// for this board's custom partition table).
type Flash struct {
	offset uint32 // raw flash offset for this region
	size   uint32
}

// NewFlash constructs a hardware-backed region at the given raw flash
// offset (not XIP address) and size. Both must be sector-aligned; the
// region's size should be a multiple of sectorSize so EraseAll erases
// cleanly.
func NewFlash(offset, size uint32) *Flash {
	return &Flash{offset: offset, size: size}
}

func (f *Flash) EraseAll() error {
	if int(C.rom_flash_erase(C.uint32_t(f.offset), C.uint32_t(f.size))) != 0 {
		return fmt.Errorf("partition/flash: erase failed at offset %#x", f.offset)
	}
	return nil
}

func (f *Flash) ReadAt(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(f.size) {
		return fmt.Errorf("partition/flash: read out of range: offset=%d len=%d size=%d", offset, len(buf), f.size)
	}
	if len(buf) == 0 {
		return nil
	}
	xip := xipBase + f.offset + offset
	if int(C.rom_flash_read(C.uint32_t(xip), (*C.uint8_t)(unsafe.Pointer(&buf[0])), C.uint32_t(len(buf)))) != 0 {
		return fmt.Errorf("partition/flash: read failed at offset %#x", offset)
	}
	return nil
}

func (f *Flash) WriteAt(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(f.size) {
		return fmt.Errorf("partition/flash: write out of range: offset=%d len=%d size=%d", offset, len(buf), f.size)
	}
	if len(buf) == 0 {
		return nil
	}
	if int(C.rom_flash_write(C.uint32_t(f.offset+offset), (*C.uint8_t)(unsafe.Pointer(&buf[0])), C.uint32_t(len(buf)))) != 0 {
		return fmt.Errorf("partition/flash: write failed at offset %#x", offset)
	}
	return nil
}

func (f *Flash) Size() uint32 {
	return f.size
}
