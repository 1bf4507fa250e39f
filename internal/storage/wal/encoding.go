package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Window aggregate encoding format (binary, little-endian):
// - Key length (2 bytes) + Key string
// - WindowStart (8 bytes)
// - WindowEnd (8 bytes)
// - Count (8 bytes)
// - Sum, Min, Max, Avg (8 bytes each, float64)
// - Flags (1 byte; bit 0 = percentiles present)
// - P50, P90, P95, P99 (8 bytes each, only when flagged)
// - FirstTs (8 bytes)
// - LastTs (8 bytes)

const flagPercentiles = 1

// encodeAggregates encodes a slice of window aggregates into binary form.
func encodeAggregates(aggs []types.WindowAggregate) ([]byte, error) {
	if len(aggs) == 0 {
		return nil, nil
	}

	// Estimate size: ~120 bytes per aggregate average
	buf := make([]byte, 0, len(aggs)*120)

	// Write record count
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(aggs)))

	for i := range aggs {
		a := &aggs[i]

		buf = appendString(buf, string(a.Key))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.WindowStart))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.WindowEnd))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Count))
		buf = appendFloat(buf, a.Sum)
		buf = appendFloat(buf, a.Min)
		buf = appendFloat(buf, a.Max)
		buf = appendFloat(buf, a.Avg)

		if a.HasPercentiles() {
			buf = append(buf, flagPercentiles)
			buf = appendFloat(buf, *a.P50)
			buf = appendFloat(buf, *a.P90)
			buf = appendFloat(buf, *a.P95)
			buf = appendFloat(buf, *a.P99)
		} else {
			buf = append(buf, 0)
		}

		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.FirstTs))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.LastTs))
	}

	return buf, nil
}

// decodeAggregates decodes binary form into a slice of window aggregates.
func decodeAggregates(data []byte) ([]types.WindowAggregate, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for record count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	aggs := make([]types.WindowAggregate, count)
	offset := 4

	for i := 0; i < count; i++ {
		a := &aggs[i]
		var err error
		var key string

		key, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("record %d key: %w", i, err)
		}
		a.Key = types.MetricKey(key)

		if a.WindowStart, offset, err = readInt64(data, offset); err != nil {
			return nil, fmt.Errorf("record %d window_start: %w", i, err)
		}
		if a.WindowEnd, offset, err = readInt64(data, offset); err != nil {
			return nil, fmt.Errorf("record %d window_end: %w", i, err)
		}
		if a.Count, offset, err = readInt64(data, offset); err != nil {
			return nil, fmt.Errorf("record %d count: %w", i, err)
		}
		if a.Sum, offset, err = readFloat(data, offset); err != nil {
			return nil, fmt.Errorf("record %d sum: %w", i, err)
		}
		if a.Min, offset, err = readFloat(data, offset); err != nil {
			return nil, fmt.Errorf("record %d min: %w", i, err)
		}
		if a.Max, offset, err = readFloat(data, offset); err != nil {
			return nil, fmt.Errorf("record %d max: %w", i, err)
		}
		if a.Avg, offset, err = readFloat(data, offset); err != nil {
			return nil, fmt.Errorf("record %d avg: %w", i, err)
		}

		if offset+1 > len(data) {
			return nil, fmt.Errorf("record %d: data too short for flags", i)
		}
		flags := data[offset]
		offset++

		if flags&flagPercentiles != 0 {
			var p50, p90, p95, p99 float64
			if p50, offset, err = readFloat(data, offset); err != nil {
				return nil, fmt.Errorf("record %d p50: %w", i, err)
			}
			if p90, offset, err = readFloat(data, offset); err != nil {
				return nil, fmt.Errorf("record %d p90: %w", i, err)
			}
			if p95, offset, err = readFloat(data, offset); err != nil {
				return nil, fmt.Errorf("record %d p95: %w", i, err)
			}
			if p99, offset, err = readFloat(data, offset); err != nil {
				return nil, fmt.Errorf("record %d p99: %w", i, err)
			}
			a.SetPercentiles(p50, p90, p95, p99)
		}

		if a.FirstTs, offset, err = readInt64(data, offset); err != nil {
			return nil, fmt.Errorf("record %d first_ts: %w", i, err)
		}
		if a.LastTs, offset, err = readInt64(data, offset); err != nil {
			return nil, fmt.Errorf("record %d last_ts: %w", i, err)
		}
	}

	return aggs, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// appendFloat appends a float64 to the buffer.
func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string body")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// readInt64 reads an int64 from the buffer.
func readInt64(data []byte, offset int) (int64, int, error) {
	if offset+8 > len(data) {
		return 0, offset, fmt.Errorf("data too short for int64")
	}
	v := int64(binary.LittleEndian.Uint64(data[offset:]))
	return v, offset + 8, nil
}

// readFloat reads a float64 from the buffer.
func readFloat(data []byte, offset int) (float64, int, error) {
	if offset+8 > len(data) {
		return 0, offset, fmt.Errorf("data too short for float64")
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
	return v, offset + 8, nil
}
