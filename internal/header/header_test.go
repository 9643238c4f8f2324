package header

import (
	"testing"

	"pgregory.net/rapid"
)

type memReader []byte

func (m memReader) ReadAt(offset uint32, buf []byte) error {
	copy(buf, m[offset:])
	return nil
}

func sampleHeader() Header {
	return Header{
		RemainSize: 4096,
		RemainHash: 0x11223344,
		HeaderCode: 0xC0DE,
		DeviceCode: 0x01,
		PatchxSize: 128,
		Descriptors: []Descriptor{
			{Type: TypeFullImage, Addr: 0, PatchSize: 4096, PatchHash: 0xAAAA, NewSize: 4096, NewHash: 0xBBBB},
			{Type: TypeFullPatch, Addr: 4096, PatchSize: 64, PatchHash: 0xCCCC, OldSize: 1024, NewSize: 1024, NewHash: 0xDDDD},
			{Type: 0x01020304, Addr: 8192, PatchSize: 32, PatchHash: 0xEEEE, OldSize: 2048, OldHash: 0xFFFF, NewSize: 2048, NewHash: 0x1234},
		},
	}
}

func TestMarshalParse_RoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := Marshal(h)

	got, err := Parse(memReader(buf))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.RemainSize != h.RemainSize || got.RemainHash != h.RemainHash {
		t.Fatalf("remain fields mismatch: got %+v", got)
	}
	if len(got.Descriptors) != len(h.Descriptors) {
		t.Fatalf("descriptor count = %d, want %d", len(got.Descriptors), len(h.Descriptors))
	}
	for i, d := range h.Descriptors {
		if got.Descriptors[i] != d {
			t.Fatalf("descriptor %d = %+v, want %+v", i, got.Descriptors[i], d)
		}
	}
}

func TestParse_RejectsCorruptedHash(t *testing.T) {
	h := sampleHeader()
	buf := Marshal(h)
	buf[len(buf)-1] ^= 0xFF // flip every bit of the last byte, inside the last descriptor

	_, err := Parse(memReader(buf))
	if err != ErrBadHash {
		t.Fatalf("Parse error = %v, want ErrBadHash", err)
	}
}

func TestParse_RejectsOversizedHeader(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF // header_size = 0xFFFFFFFF

	_, err := Parse(memReader(buf))
	if err != ErrTooLarge {
		t.Fatalf("Parse error = %v, want ErrTooLarge", err)
	}
}

func TestType_IsDiffPatch(t *testing.T) {
	cases := []struct {
		typ  Type
		want bool
	}{
		{TypeFullImage, false},
		{TypeFullPatch, false},
		{Type(1), true},
		{Type(0x01020304), true},
	}
	for _, c := range cases {
		if got := c.typ.IsDiffPatch(); got != c.want {
			t.Errorf("Type(%#08x).IsDiffPatch() = %v, want %v", uint32(c.typ), got, c.want)
		}
	}
}

// Property: marshaling any descriptor set and parsing it back always
// reproduces the same descriptors, and corrupting any single byte of
// the encoded header is always caught by the hash check.
func TestMarshalParse_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		descs := make([]Descriptor, n)
		for i := range descs {
			descs[i] = Descriptor{
				Type:      Type(rapid.Uint32().Draw(t, "type")),
				Addr:      rapid.Uint32().Draw(t, "addr"),
				PatchSize: rapid.Uint32().Draw(t, "patchSize"),
				PatchHash: rapid.Uint32().Draw(t, "patchHash"),
				OldSize:   rapid.Uint32().Draw(t, "oldSize"),
				OldHash:   rapid.Uint32().Draw(t, "oldHash"),
				NewSize:   rapid.Uint32().Draw(t, "newSize"),
				NewHash:   rapid.Uint32().Draw(t, "newHash"),
			}
		}
		h := Header{
			RemainSize:  rapid.Uint32().Draw(t, "remainSize"),
			RemainHash:  rapid.Uint32().Draw(t, "remainHash"),
			Descriptors: descs,
		}
		buf := Marshal(h)

		got, err := Parse(memReader(buf))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(got.Descriptors) != len(descs) {
			t.Fatalf("descriptor count = %d, want %d", len(got.Descriptors), len(descs))
		}
		for i := range descs {
			if got.Descriptors[i] != descs[i] {
				t.Fatalf("descriptor %d mismatch: got %+v want %+v", i, got.Descriptors[i], descs[i])
			}
		}

		if len(buf) > prefixSize {
			idx := rapid.IntRange(prefixSize, len(buf)-1).Draw(t, "corruptIdx")
			corrupt := append([]byte(nil), buf...)
			corrupt[idx] ^= 0x01
			if _, err := Parse(memReader(corrupt)); err != ErrBadHash {
				t.Fatalf("corrupted byte %d: Parse error = %v, want ErrBadHash", idx, err)
			}
		}
	})
}
