// Package header parses and validates the package header that prefixes
// every update package: a fixed block of metadata followed by a
// variable-length array of patch descriptors, one per partial or full
// image carried in the package.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/openenterprise/emboot/internal/crc32mpeg"
)

// fixedSize is the byte size of the header's fixed block (16 uint32
// fields, matching original_source/emboot.h's emboot_head_t up to but
// not including patchx_data[]). The four Reserved_C*/Reserved_D* fields
// are preserved as opaque padding rather than modeled individually,
// since nothing in this codebase reads them.
const fixedSize = 16 * 4

// descriptorSize is the byte size of one patch descriptor entry.
const descriptorSize = 8 * 4

// prefixSize is how many bytes must be read before HeaderSize is known:
// just the header_size and header_hash fields themselves.
const prefixSize = 8

// Type identifies how a descriptor's new image relates to its old one.
type Type uint32

const (
	// TypeFullImage means the package carries a complete image; there
	// is no old image to diff against.
	TypeFullImage Type = 0xFFFFFFFF
	// TypeFullPatch means the package's patch payload diffs against an
	// all-zero source of OldSize bytes.
	TypeFullPatch Type = 0x00000000
)

// IsDiffPatch reports whether t names a patch against the current
// runapp image rather than a full image or a from-empty patch.
func (t Type) IsDiffPatch() bool {
	return t != TypeFullImage && t != TypeFullPatch
}

// Descriptor is one entry of the package's patch descriptor array,
// describing a single patch payload plus the old/new image it produces.
type Descriptor struct {
	Type Type
	// Addr is the patch payload's byte offset within the package,
	// relative to the first byte after the header.
	Addr uint32

	PatchSize uint32
	PatchHash uint32

	OldSize uint32
	OldHash uint32

	NewSize uint32
	NewHash uint32
}

// Header is the parsed package header.
type Header struct {
	HeaderSize uint32
	HeaderHash uint32

	RemainSize uint32
	RemainHash uint32

	HeaderCode uint32
	DeviceCode uint32
	PatchxSize uint32
	PatchxNums uint32

	Descriptors []Descriptor
}

// ErrTooLarge is returned when a header advertises a size larger than
// MaxSize, or smaller than the fixed header block.
var ErrTooLarge = fmt.Errorf("header: header_size exceeds maximum")

// ErrBadHash is returned when the header's CRC does not match its
// content.
var ErrBadHash = fmt.Errorf("header: header_hash mismatch")

// MaxSize bounds how large a header this package will parse, mirroring
// the fixed emboot_head_buffer capacity check in the original firmware.
const MaxSize = 1024

// Reader is the narrow read capability this package needs from a
// partition: read len(buf) bytes starting at offset.
type Reader interface {
	ReadAt(offset uint32, buf []byte) error
}

// Parse performs the two-phase read: first the 8-byte prefix to learn
// HeaderSize, then the full header once its size is known, then
// validates HeaderHash over bytes [8:HeaderSize).
func Parse(r Reader) (Header, error) {
	prefix := make([]byte, prefixSize)
	if err := r.ReadAt(0, prefix); err != nil {
		return Header{}, err
	}
	headerSize := binary.LittleEndian.Uint32(prefix[0:4])
	headerHash := binary.LittleEndian.Uint32(prefix[4:8])

	if headerSize > MaxSize || headerSize < fixedSize {
		return Header{}, ErrTooLarge
	}

	buf := make([]byte, headerSize)
	if err := r.ReadAt(0, buf); err != nil {
		return Header{}, err
	}

	if headerHash != crc32mpeg.Checksum(buf[prefixSize:]) {
		return Header{}, ErrBadHash
	}

	return decode(buf)
}

func decode(buf []byte) (Header, error) {
	if len(buf) < fixedSize {
		return Header{}, fmt.Errorf("header: buffer shorter than fixed header block: %d < %d", len(buf), fixedSize)
	}
	h := Header{
		HeaderSize: binary.LittleEndian.Uint32(buf[0:4]),
		HeaderHash: binary.LittleEndian.Uint32(buf[4:8]),
		RemainSize: binary.LittleEndian.Uint32(buf[8:12]),
		RemainHash: binary.LittleEndian.Uint32(buf[12:16]),
		HeaderCode: binary.LittleEndian.Uint32(buf[16:20]),
		DeviceCode: binary.LittleEndian.Uint32(buf[20:24]),
		PatchxSize: binary.LittleEndian.Uint32(buf[24:28]),
		PatchxNums: binary.LittleEndian.Uint32(buf[28:32]),
	}

	need := fixedSize + int(h.PatchxNums)*descriptorSize
	if need > len(buf) {
		return Header{}, fmt.Errorf("header: patchx_nums=%d overruns header_size=%d", h.PatchxNums, h.HeaderSize)
	}

	h.Descriptors = make([]Descriptor, h.PatchxNums)
	for i := range h.Descriptors {
		off := fixedSize + i*descriptorSize
		d := buf[off : off+descriptorSize]
		h.Descriptors[i] = Descriptor{
			Type:      Type(binary.LittleEndian.Uint32(d[0:4])),
			Addr:      binary.LittleEndian.Uint32(d[4:8]),
			PatchSize: binary.LittleEndian.Uint32(d[8:12]),
			PatchHash: binary.LittleEndian.Uint32(d[12:16]),
			OldSize:   binary.LittleEndian.Uint32(d[16:20]),
			OldHash:   binary.LittleEndian.Uint32(d[20:24]),
			NewSize:   binary.LittleEndian.Uint32(d[24:28]),
			NewHash:   binary.LittleEndian.Uint32(d[28:32]),
		}
	}
	return h, nil
}

// Marshal encodes h back into its on-wire byte form, recomputing
// HeaderHash and HeaderSize from the descriptor count so callers (the
// package builder) never have to keep them in sync by hand.
func Marshal(h Header) []byte {
	h.PatchxNums = uint32(len(h.Descriptors))
	h.HeaderSize = uint32(fixedSize + len(h.Descriptors)*descriptorSize)

	buf := make([]byte, h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.RemainSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.RemainHash)
	binary.LittleEndian.PutUint32(buf[16:20], h.HeaderCode)
	binary.LittleEndian.PutUint32(buf[20:24], h.DeviceCode)
	binary.LittleEndian.PutUint32(buf[24:28], h.PatchxSize)
	binary.LittleEndian.PutUint32(buf[28:32], h.PatchxNums)

	for i, d := range h.Descriptors {
		off := fixedSize + i*descriptorSize
		dst := buf[off : off+descriptorSize]
		binary.LittleEndian.PutUint32(dst[0:4], uint32(d.Type))
		binary.LittleEndian.PutUint32(dst[4:8], d.Addr)
		binary.LittleEndian.PutUint32(dst[8:12], d.PatchSize)
		binary.LittleEndian.PutUint32(dst[12:16], d.PatchHash)
		binary.LittleEndian.PutUint32(dst[16:20], d.OldSize)
		binary.LittleEndian.PutUint32(dst[20:24], d.OldHash)
		binary.LittleEndian.PutUint32(dst[24:28], d.NewSize)
		binary.LittleEndian.PutUint32(dst[28:32], d.NewHash)
	}

	hash := crc32mpeg.Checksum(buf[prefixSize:])
	binary.LittleEndian.PutUint32(buf[0:4], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], hash)
	return buf
}
