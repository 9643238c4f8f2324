package download

import (
	"testing"

	"github.com/openenterprise/emboot/internal/partition"
	"github.com/stretchr/testify/require"
)

func TestPartitionDriver_HappyPath(t *testing.T) {
	sim := partition.NewSim(16)
	sim.Seed([]byte{0, 0, 0, 0}) // dirty region to prove Begin erases it
	d := NewPartitionDriver(sim)

	require.NoError(t, d.Begin())
	require.NoError(t, d.Text([]byte{0x01, 0x02}))
	require.NoError(t, d.Text([]byte{0x03, 0x04}))
	total, err := d.End()
	require.NoError(t, err)
	require.Equal(t, uint32(4), total)

	buf := make([]byte, 4)
	require.NoError(t, sim.ReadAt(0, buf))
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf)
}

func TestPartitionDriver_TextBeforeBeginFails(t *testing.T) {
	d := NewPartitionDriver(partition.NewSim(16))
	require.Error(t, d.Text([]byte{0x01}))
}

func TestPartitionDriver_EndBeforeBeginFails(t *testing.T) {
	d := NewPartitionDriver(partition.NewSim(16))
	_, err := d.End()
	require.Error(t, err)
}

func TestPartitionDriver_RejectsOversizePackage(t *testing.T) {
	d := NewPartitionDriver(partition.NewSim(4))
	require.NoError(t, d.Begin())
	require.Error(t, d.Text([]byte{1, 2, 3, 4, 5}))
}

func TestPartitionDriver_SecondBeginRestartsAtZero(t *testing.T) {
	sim := partition.NewSim(8)
	d := NewPartitionDriver(sim)
	require.NoError(t, d.Begin())
	require.NoError(t, d.Text([]byte{0xAA, 0xAA}))

	require.NoError(t, d.Begin())
	require.NoError(t, d.Text([]byte{0x11}))
	total, err := d.End()
	require.NoError(t, err)
	require.Equal(t, uint32(1), total)

	buf := make([]byte, 2)
	require.NoError(t, sim.ReadAt(0, buf))
	require.Equal(t, byte(0x11), buf[0])
	require.Equal(t, byte(0xFF), buf[1])
}
