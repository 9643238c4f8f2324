// Package download consumes a firmware package delivered as a byte
// stream and appends it to the backup partition, the out-of-scope
// "download driver" of spec.md §6. The interface here is the
// boundary; internal/download/tcplistener.go supplies one concrete
// wiring of it (an on-device TCP receiver), grounded on the teacher's
// ota_server.go chunk/ACK/DONE/VERIFIED protocol.
package download

import (
	"fmt"

	"github.com/openenterprise/emboot/internal/partition"
)

// Driver is the begin/text/end streaming receiver spec.md §6
// describes: begin erases the destination, text appends bytes in
// order, and end reports the total length received.
type Driver interface {
	Begin() error
	Text(chunk []byte) error
	End() (total uint32, err error)
}

// PartitionDriver is a Driver that erases a partition on Begin and
// appends consecutive chunks to it starting at offset 0, mirroring
// the teacher's handleOTASession writing sequential chunks into the
// target flash partition.
type PartitionDriver struct {
	dst    partition.Partition
	offset uint32
	begun  bool
}

// NewPartitionDriver wraps dst (normally the backup partition) as a Driver.
func NewPartitionDriver(dst partition.Partition) *PartitionDriver {
	return &PartitionDriver{dst: dst}
}

func (p *PartitionDriver) Begin() error {
	if err := p.dst.EraseAll(); err != nil {
		return fmt.Errorf("download: erase: %w", err)
	}
	p.offset = 0
	p.begun = true
	return nil
}

func (p *PartitionDriver) Text(chunk []byte) error {
	if !p.begun {
		return fmt.Errorf("download: Text called before Begin")
	}
	if uint64(p.offset)+uint64(len(chunk)) > uint64(p.dst.Size()) {
		return fmt.Errorf("download: package exceeds backup partition size %d", p.dst.Size())
	}
	if err := p.dst.WriteAt(p.offset, chunk); err != nil {
		return fmt.Errorf("download: write at %d: %w", p.offset, err)
	}
	p.offset += uint32(len(chunk))
	return nil
}

func (p *PartitionDriver) End() (uint32, error) {
	if !p.begun {
		return 0, fmt.Errorf("download: End called before Begin")
	}
	total := p.offset
	p.begun = false
	return total, nil
}
