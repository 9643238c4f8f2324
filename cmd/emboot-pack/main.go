// Command emboot-pack builds an on-wire update package (spec.md §3/§6)
// from a YAML manifest: a header followed by the concatenated payload
// of each patch descriptor. Since internal/decoder only ships an
// identity decoder, every descriptor's payload is the raw new-image
// bytes; a real HDiffPatch-style tool would instead emit a binary diff
// here and the device-side decoder would apply it.
package main

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/openenterprise/emboot/internal/crc32mpeg"
	"github.com/openenterprise/emboot/internal/header"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type manifest struct {
	HeaderCode  uint32               `yaml:"header_code"`
	DeviceCode  uint32               `yaml:"device_code"`
	Descriptors []manifestDescriptor `yaml:"descriptors"`
}

type manifestDescriptor struct {
	Type     string `yaml:"type"` // full_image | full_patch | diff_patch
	Image    string `yaml:"image"`
	OldImage string `yaml:"old_image"`
}

func main() {
	manifestPath := pflag.StringP("manifest", "m", "", "path to the YAML package manifest (required)")
	outPath := pflag.StringP("out", "o", "package.bin", "output package path")
	pflag.Parse()

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: emboot-pack -m manifest.yaml -o package.bin")
		os.Exit(1)
	}

	if err := pack(*manifestPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "emboot-pack: %v\n", err)
		os.Exit(1)
	}
}

func pack(manifestPath, outPath string) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Descriptors) == 0 {
		return fmt.Errorf("manifest has no descriptors")
	}

	var body []byte
	descs := make([]header.Descriptor, 0, len(m.Descriptors))

	for i, md := range m.Descriptors {
		newImage, err := os.ReadFile(md.Image)
		if err != nil {
			return fmt.Errorf("descriptor %d: read image: %w", i, err)
		}

		desc := header.Descriptor{
			Addr:      uint32(len(body)),
			PatchSize: uint32(len(newImage)),
			PatchHash: crc32mpeg.Checksum(newImage),
			NewSize:   uint32(len(newImage)),
			NewHash:   crc32mpeg.Checksum(newImage),
		}

		switch md.Type {
		case "full_image":
			desc.Type = header.TypeFullImage
			desc.OldSize = 0xFFFFFFFF
			desc.OldHash = 0xFFFFFFFF
		case "full_patch":
			desc.Type = header.TypeFullPatch
			desc.OldSize = 0
			desc.OldHash = 0
		case "diff_patch":
			if md.OldImage == "" {
				return fmt.Errorf("descriptor %d: diff_patch requires old_image", i)
			}
			oldImage, err := os.ReadFile(md.OldImage)
			if err != nil {
				return fmt.Errorf("descriptor %d: read old_image: %w", i, err)
			}
			desc.Type = header.Type(1) // any value other than the FULL_IMAGE/FULL_PATCH sentinels
			desc.OldSize = uint32(len(oldImage))
			desc.OldHash = crc32mpeg.Checksum(oldImage)
		default:
			return fmt.Errorf("descriptor %d: unknown type %q", i, md.Type)
		}

		body = append(body, newImage...)
		descs = append(descs, desc)
	}

	h := header.Header{
		RemainSize:  uint32(len(body)),
		RemainHash:  crc32mpeg.Checksum(body),
		HeaderCode:  m.HeaderCode,
		DeviceCode:  m.DeviceCode,
		Descriptors: descs,
	}

	pkg := append(header.Marshal(h), body...)
	if err := os.WriteFile(outPath, pkg, 0o644); err != nil {
		return fmt.Errorf("write package: %w", err)
	}

	hash := sha256.Sum256(pkg)
	fmt.Printf("wrote %s (%d bytes, %d descriptors, sha256 %x)\n", outPath, len(pkg), len(descs), hash[:8])
	return nil
}
