// Package decoder defines the patch-decoding collaborator the update
// core calls during the decode phase. The actual diff/patch algorithm
// (HDiffPatch in the original firmware) is an external dependency this
// module never vendors — callers supply their own Decoder, and this
// package only provides the plumbing every implementation needs: a
// zero-filling reader standing in for "no old image" (FULL_PATCH), and
// a trivial decoder suitable for tests and for packages that carry a
// full image rather than a diff.
package decoder

import "fmt"

// Reader is a random-access byte source, satisfied by
// internal/partition.Partition and internal/header's backing stores
// alike.
type Reader interface {
	ReadAt(offset uint32, buf []byte) error
}

// Writer is a random-access byte sink.
type Writer interface {
	WriteAt(offset uint32, buf []byte) error
}

// Decoder applies a patch payload against an old image to produce a new
// image. patchSrc/patchOffset/patchLen locate the patch bytes; oldSrc
// is the runapp partition for a DIFF_PATCH descriptor and a ZeroReader
// for a FULL_PATCH one (a full image descriptor never reaches a
// Decoder — the state machine copies it directly). onPercent is called with strictly increasing values as
// the decoder makes progress, mirroring the copy/hash helpers'
// reporting contract.
type Decoder interface {
	Patch(patchSrc Reader, patchOffset, patchLen uint32, oldSrc Reader, oldSize uint32, dst Writer, newSize uint32, onPercent func(int)) error
}

// ZeroReader is a Reader that always yields zero bytes, standing in for
// the old image of a FULL_PATCH descriptor (spec.md §3: FULL_PATCH
// diffs against an all-zero source of OldSize bytes).
type ZeroReader struct{}

func (ZeroReader) ReadAt(offset uint32, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// IdentityDecoder treats the patch payload as the new image verbatim,
// requiring patchLen == newSize. It performs no diffing and ignores
// oldSrc/oldSize entirely; it exists for tests and for tooling that
// wants to exercise the decode phase without linking a real patch
// codec, not as a production decoder.
type IdentityDecoder struct {
	// ChunkSize bounds how many bytes are copied per ReadAt/WriteAt
	// call; zero selects a 1KiB default matching the firmware's
	// copy buffer size.
	ChunkSize uint32
}

func (d IdentityDecoder) Patch(patchSrc Reader, patchOffset, patchLen uint32, oldSrc Reader, oldSize uint32, dst Writer, newSize uint32, onPercent func(int)) error {
	if patchLen != newSize {
		return fmt.Errorf("decoder: identity decoder requires patch length (%d) to equal new image size (%d)", patchLen, newSize)
	}
	chunk := d.ChunkSize
	if chunk == 0 {
		chunk = 1024
	}
	buf := make([]byte, chunk)
	var done uint32
	lastPercent := -1
	for done < newSize {
		n := chunk
		if remaining := newSize - done; remaining < n {
			n = remaining
		}
		if err := patchSrc.ReadAt(patchOffset+done, buf[:n]); err != nil {
			return err
		}
		if err := dst.WriteAt(done, buf[:n]); err != nil {
			return err
		}
		done += n
		if onPercent != nil {
			percent := int(uint64(done) * 100 / uint64(newSize))
			percent -= percent % 5
			if percent > lastPercent && percent < 100 {
				lastPercent = percent
				onPercent(percent)
			}
		}
	}
	if onPercent != nil {
		onPercent(100)
	}
	return nil
}

