package crc32mpeg

import (
	"testing"

	"pgregory.net/rapid"
)

// Known-answer test: CRC-32/MPEG-2 of "123456789" is 0x0376E6E7 per the
// standard CRC catalogue check value for this variant.
func TestChecksum_KnownAnswer(t *testing.T) {
	got := Checksum([]byte("123456789"))
	want := uint32(0x0376E6E7)
	if got != want {
		t.Errorf("Checksum(%q) = %#08x, want %#08x", "123456789", got, want)
	}
}

func TestChecksum_Empty(t *testing.T) {
	if got := Checksum(nil); got != Init {
		t.Errorf("Checksum(nil) = %#08x, want seed %#08x", got, Init)
	}
}

// Commutativity: crc(a||b, seed) == crc(b, crc(a, seed)) for any split.
func TestUpdate_Commutativity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")
		split := rapid.IntRange(0, len(data)).Draw(t, "split")

		whole := Checksum(data)
		parted := Update(data[split:], Update(data[:split], Init))

		if whole != parted {
			t.Fatalf("Checksum split at %d: whole=%#08x parted=%#08x", split, whole, parted)
		}
	})
}

type memReader []byte

func (m memReader) ReadAt(offset uint32, buf []byte) error {
	copy(buf, m[offset:])
	return nil
}

func TestComputeOver_MatchesChecksum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "data")

		var percents []int
		got, err := ComputeOver(memReader(data), 0, uint32(len(data)), func(p int) {
			percents = append(percents, p)
		})
		if err != nil {
			t.Fatalf("ComputeOver: %v", err)
		}
		want := Checksum(data)
		if got != want {
			t.Fatalf("ComputeOver = %#08x, want %#08x", got, want)
		}
		for i := 1; i < len(percents); i++ {
			if percents[i] <= percents[i-1] {
				t.Fatalf("percent not strictly increasing: %v", percents)
			}
		}
		if len(percents) > 0 && percents[len(percents)-1] != 100 {
			t.Fatalf("final percent = %d, want 100", percents[len(percents)-1])
		}
		if len(percents) > 0 {
			for _, p := range percents[:len(percents)-1] {
				if p == 100 {
					t.Fatalf("100%% reported before completion: %v", percents)
				}
			}
		}
	})
}
