// Package crc32mpeg implements the CRC-32/MPEG-2 variant used to verify
// package integrity and image contents: polynomial 0x04C11DB7, initial
// value 0xFFFFFFFF, no input or output reflection, no final XOR.
//
// This is not the CRC-32 family exposed by the standard library's
// hash/crc32 package (IEEE and Castagnoli are both reflected variants);
// the table and update loop here are built the non-reflected way.
package crc32mpeg

import "sync"

// Init is the seed value to start a fresh checksum with.
const Init uint32 = 0xFFFFFFFF

const poly uint32 = 0x04C11DB7

var (
	tableOnce sync.Once
	table     [256]uint32
)

func buildTable() {
	for i := uint32(0); i < 256; i++ {
		crc := i << 24
		for k := 0; k < 8; k++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Update folds data into a running checksum seeded by crc, returning the
// new checksum. Calling Update(b, Update(a, seed)) == Update(a||b, seed)
// for any split of a contiguous byte stream (CRC commutativity).
func Update(data []byte, crc uint32) uint32 {
	tableOnce.Do(buildTable)
	for _, b := range data {
		crc = (crc << 8) ^ table[((crc>>24)^uint32(b))&0xFF]
	}
	return crc
}

// Checksum computes the CRC-32/MPEG-2 of data seeded with Init.
func Checksum(data []byte) uint32 {
	return Update(data, Init)
}

// Reader is the minimal source ComputeOver needs: read length bytes
// starting at offset. It matches the partition.Partition.ReadAt shape
// but is kept narrow so callers can adapt any random-access byte source.
type Reader interface {
	ReadAt(offset uint32, buf []byte) error
}

// chunkSize is the copy-buffer size used while streaming a checksum,
// matching the original source's 1 KiB working buffer.
const chunkSize = 1024

// ComputeOver streams length bytes starting at offset from src through
// the checksum, seeded with Init, reporting progress to onPercent at 5%
// granularity. onPercent is never called with 100 until the read has
// fully completed; it may be nil. A read error aborts early and returns
// it unchanged.
func ComputeOver(src Reader, offset, length uint32, onPercent func(percent int)) (uint32, error) {
	tableOnce.Do(buildTable)

	crc := Init
	total := length
	var buf [chunkSize]byte
	lastReported := -1

	for length > 0 {
		blockLen := uint32(chunkSize)
		if length < blockLen {
			blockLen = length
		}
		if err := src.ReadAt(offset, buf[:blockLen]); err != nil {
			return crc, err
		}
		crc = Update(buf[:blockLen], crc)
		offset += blockLen
		length -= blockLen

		if onPercent != nil && total > 0 {
			done := total - length
			percent := int(uint64(done) * 100 / uint64(total))
			percent -= percent % 5
			if percent > lastReported && percent < 100 {
				onPercent(percent)
				lastReported = percent
			}
		}
	}
	if onPercent != nil {
		onPercent(100)
	}
	return crc, nil
}
