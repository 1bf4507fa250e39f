package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Reader reads closed-window records from WAL segment files.
type Reader struct {
	path string
	file *os.File

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	AggregatesRead int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader creates a new WAL reader for a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	// Verify header
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadAll reads all window aggregates from the segment. A truncated or
// corrupt tail record ends the scan without failing the whole segment.
func (r *Reader) ReadAll() ([]types.WindowAggregate, error) {
	var all []types.WindowAggregate

	for {
		aggs, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A damaged record means everything after it is suspect.
			r.stats.CorruptRecords++
			break
		}

		all = append(all, aggs...)
	}

	return all, nil
}

// ReadRecord reads the next record from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadRecord() ([]types.WindowAggregate, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// Sanity check length
	if length > 64*1024*1024 {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	aggs, err := decodeAggregates(payload)
	if err != nil {
		return nil, fmt.Errorf("decode aggregates: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.AggregatesRead += int64(len(aggs))
	r.stats.BytesRead += int64(recordHeaderSize) + int64(length)

	return aggs, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// ReplayDir reads every segment in dir in sequence order and returns all
// recoverable window aggregates. Unreadable segments are skipped.
func ReplayDir(dir string) ([]types.WindowAggregate, error) {
	segments, err := listSegmentsIn(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var all []types.WindowAggregate
	for _, seg := range segments {
		r, err := NewReader(seg.path)
		if err != nil {
			continue
		}
		aggs, err := r.ReadAll()
		r.Close()
		if err != nil {
			continue
		}
		all = append(all, aggs...)
	}

	return all, nil
}
