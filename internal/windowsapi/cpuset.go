package windowsapi

import (
	"encoding/binary"
	"fmt"
)

// SYSTEM_CPU_SET_INFORMATION field offsets.
const (
	cpuSetHeaderSize      = 8 // Size, Type
	cpuSetTypeCPUSet      = 0 // CpuSetInformation
	cpuSetOffID           = 8
	cpuSetOffGroup        = 12
	cpuSetOffLogicalIndex = 14
	cpuSetOffCoreIndex    = 15
	cpuSetOffLLC          = 16
	cpuSetOffNuma         = 17
	cpuSetOffEfficiency   = 18
	cpuSetOffFlags        = 19
	cpuSetMinRecordSize   = 20
	cpuSetFlagParked      = 0x1
)

// ParseCPUSetInformation decodes the buffer filled by GetSystemCpuSetInformation.
// Every record carries its own Size; records of other types are skipped.
func ParseCPUSetInformation(buf []byte) ([]CPUSet, error) {
	var out []CPUSet
	for off := 0; off < len(buf); {
		if len(buf)-off < cpuSetHeaderSize {
			return nil, fmt.Errorf("cpu set record at %d: truncated header", off)
		}
		size := int(binary.LittleEndian.Uint32(buf[off:]))
		typ := binary.LittleEndian.Uint32(buf[off+4:])
		if size < cpuSetHeaderSize || off+size > len(buf) {
			return nil, fmt.Errorf("cpu set record at %d: invalid size %d", off, size)
		}
		rec := buf[off : off+size]
		off += size

		if typ != cpuSetTypeCPUSet {
			continue
		}
		if len(rec) < cpuSetMinRecordSize {
			return nil, fmt.Errorf("cpu set record: size %d too small", len(rec))
		}
		out = append(out, CPUSet{
			ID:              binary.LittleEndian.Uint32(rec[cpuSetOffID:]),
			Group:           binary.LittleEndian.Uint16(rec[cpuSetOffGroup:]),
			LogicalIndex:    rec[cpuSetOffLogicalIndex],
			CoreIndex:       rec[cpuSetOffCoreIndex],
			LastLevelCache:  rec[cpuSetOffLLC],
			NumaNode:        rec[cpuSetOffNuma],
			EfficiencyClass: rec[cpuSetOffEfficiency],
			Parked:          rec[cpuSetOffFlags]&cpuSetFlagParked != 0,
		})
	}
	return out, nil
}
