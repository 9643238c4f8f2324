package emboot

import (
	"log/slog"

	"github.com/openenterprise/emboot/internal/crc32mpeg"
	"github.com/openenterprise/emboot/internal/partition"
)

// calcHash streams region[offset:offset+length) through the CRC-32/
// MPEG-2 engine, logging progress at 5% granularity the way
// original_source/emboot.c's emboot_calc_hash does via emboot_printf_i.
func calcHash(log *slog.Logger, label string, region partition.Partition, offset, length uint32) (uint32, error) {
	return crc32mpeg.ComputeOver(region, offset, length, func(percent int) {
		log.Debug("hasher:percent", "region", label, "percent", percent)
	})
}

// copyBufferSize matches the firmware's 1KiB copy/hash buffer.
const copyBufferSize = 1024

// copyData streams length bytes from src[srcOffset:] to dst[0:], the Go
// equivalent of emboot_copy_data, with the same 5%-granularity percent
// reporting (never reports 100% until the copy is actually done).
func copyData(log *slog.Logger, label string, src partition.Partition, srcOffset uint32, dst partition.Partition, length uint32) error {
	buf := make([]byte, copyBufferSize)
	var done uint32
	lastPercent := -1
	for done < length {
		n := uint32(copyBufferSize)
		if remaining := length - done; remaining < n {
			n = remaining
		}
		if err := src.ReadAt(srcOffset+done, buf[:n]); err != nil {
			return err
		}
		if err := dst.WriteAt(done, buf[:n]); err != nil {
			return err
		}
		done += n
		if length > 0 {
			percent := int(uint64(done) * 100 / uint64(length))
			percent -= percent % 5
			if percent > lastPercent && percent < 100 {
				lastPercent = percent
				log.Debug("copy:percent", "region", label, "percent", percent)
			}
		}
	}
	log.Debug("copy:percent", "region", label, "percent", 100)
	return nil
}
