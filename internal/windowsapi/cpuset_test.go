package windowsapi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cpuSetRecord(id uint32, group uint16, lp, core, eff uint8, parked bool) []byte {
	rec := make([]byte, 32)
	binary.LittleEndian.PutUint32(rec[0:], 32)
	binary.LittleEndian.PutUint32(rec[4:], cpuSetTypeCPUSet)
	binary.LittleEndian.PutUint32(rec[cpuSetOffID:], id)
	binary.LittleEndian.PutUint16(rec[cpuSetOffGroup:], group)
	rec[cpuSetOffLogicalIndex] = lp
	rec[cpuSetOffCoreIndex] = core
	rec[cpuSetOffEfficiency] = eff
	if parked {
		rec[cpuSetOffFlags] = cpuSetFlagParked
	}
	return rec
}

func TestParseCPUSetInformation(t *testing.T) {
	var buf []byte
	buf = append(buf, cpuSetRecord(0x100, 0, 0, 0, 1, false)...)
	// An unknown record type is skipped by size.
	other := make([]byte, 16)
	binary.LittleEndian.PutUint32(other[0:], 16)
	binary.LittleEndian.PutUint32(other[4:], 7)
	buf = append(buf, other...)
	buf = append(buf, cpuSetRecord(0x140, 1, 3, 2, 0, true)...)

	sets, err := ParseCPUSetInformation(buf)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	assert.Equal(t, CPUSet{ID: 0x100, EfficiencyClass: 1}, sets[0])
	assert.Equal(t, uint32(0x140), sets[1].ID)
	assert.Equal(t, uint16(1), sets[1].Group)
	assert.Equal(t, uint8(3), sets[1].LogicalIndex)
	assert.Equal(t, uint8(2), sets[1].CoreIndex)
	assert.True(t, sets[1].Parked)
}

func TestParseCPUSetInformationMalformed(t *testing.T) {
	rec := cpuSetRecord(1, 0, 0, 0, 0, false)

	_, err := ParseCPUSetInformation(rec[:5])
	assert.Error(t, err, "truncated header")

	bad := append([]byte(nil), rec...)
	binary.LittleEndian.PutUint32(bad[0:], 64)
	_, err = ParseCPUSetInformation(bad)
	assert.Error(t, err, "size past end of buffer")

	zero := append([]byte(nil), rec...)
	binary.LittleEndian.PutUint32(zero[0:], 0)
	_, err = ParseCPUSetInformation(zero)
	assert.Error(t, err, "zero size must not loop forever")
}

func TestErrorClassification(t *testing.T) {
	err := NewOpError(KindHandle, "OpenThread", 10, 20, ErrorAccessDenied)
	assert.True(t, IsAccessDenied(err))
	assert.Equal(t, uint32(5), Code(err))
	assert.Contains(t, err.Error(), "handle_failure")
	assert.Contains(t, err.Error(), "tid=20")

	assert.Nil(t, NewOpError(KindApply, "x", 1, 0, nil))

	st := NewOpError(KindQuery, "NtQuery", 1, 0, StatusInfoLengthMismatch)
	assert.Equal(t, uint32(0xC0000004), Code(st))
	assert.False(t, IsAccessDenied(st))
	assert.Equal(t, uint32(0), Code(assert.AnError))
}
