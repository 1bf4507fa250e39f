package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Options configures the Parquet snapshot writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// AggregateRow represents a closed window in Parquet format.
type AggregateRow struct {
	Key         string  `parquet:"key,zstd"`
	WindowStart int64   `parquet:"window_start"`
	WindowEnd   int64   `parquet:"window_end"`
	Count       int64   `parquet:"count"`
	Sum         float64 `parquet:"sum"`
	Min         float64 `parquet:"min"`
	Max         float64 `parquet:"max"`
	Avg         float64 `parquet:"avg"`
	P50         float64 `parquet:"p50,optional"`
	P90         float64 `parquet:"p90,optional"`
	P95         float64 `parquet:"p95,optional"`
	P99         float64 `parquet:"p99,optional"`
	// HasPercentiles distinguishes a window whose percentiles are all
	// zero from one tracked without a sketch.
	HasPercentiles bool  `parquet:"has_percentiles"`
	FirstTs        int64 `parquet:"first_ts"`
	LastTs         int64 `parquet:"last_ts"`
}

// AggregateToRow converts a WindowAggregate to an AggregateRow.
func AggregateToRow(a *types.WindowAggregate) AggregateRow {
	row := AggregateRow{
		Key:         string(a.Key),
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
		Count:       a.Count,
		Sum:         a.Sum,
		Min:         a.Min,
		Max:         a.Max,
		Avg:         a.Avg,
		FirstTs:     a.FirstTs,
		LastTs:      a.LastTs,
	}

	if a.HasPercentiles() {
		row.HasPercentiles = true
		row.P50 = *a.P50
		row.P90 = *a.P90
		row.P95 = *a.P95
		row.P99 = *a.P99
	}

	return row
}

// RowToAggregate converts an AggregateRow to a WindowAggregate.
func RowToAggregate(r *AggregateRow) types.WindowAggregate {
	agg := types.WindowAggregate{
		Key:         types.MetricKey(r.Key),
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
		Count:       r.Count,
		Sum:         r.Sum,
		Min:         r.Min,
		Max:         r.Max,
		Avg:         r.Avg,
		FirstTs:     r.FirstTs,
		LastTs:      r.LastTs,
	}

	if r.HasPercentiles {
		agg.SetPercentiles(r.P50, r.P90, r.P95, r.P99)
	}

	return agg
}

// Writer writes closed windows to a Parquet snapshot file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[AggregateRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a new snapshot writer.
func NewWriter(path string, opts Options) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[AggregateRow](f, writerOpts...)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes window aggregates to the snapshot file.
func (w *Writer) Write(aggs []types.WindowAggregate) error {
	if len(aggs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]AggregateRow, len(aggs))
	for i := range aggs {
		rows[i] = AggregateToRow(&aggs[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Reader reads closed windows from a Parquet snapshot file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[AggregateRow]
	path   string
}

// NewReader creates a new snapshot reader.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[AggregateRow](f)

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all window aggregates from the file.
func (r *Reader) ReadAll() ([]types.WindowAggregate, error) {
	numRows := r.reader.NumRows()
	rows := make([]AggregateRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, err
	}

	aggs := make([]types.WindowAggregate, n)
	for i := 0; i < n; i++ {
		aggs[i] = RowToAggregate(&rows[i])
	}

	return aggs, nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("snapshot writer is closed")

const (
	filePrefix = "agg-"
	fileSuffix = ".parquet"
	tmpSuffix  = ".tmp"
)

// FileName returns the snapshot file name for a checkpoint time.
func FileName(createdAtMs int64) string {
	return fmt.Sprintf("%s%d%s", filePrefix, createdAtMs, fileSuffix)
}

// ParseFileName extracts the checkpoint time from a snapshot file name.
func ParseFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	ts, err := strconv.ParseInt(name[len(filePrefix):len(name)-len(fileSuffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// List returns all snapshot files in dir, oldest first.
func List(dir string) ([]types.SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []types.SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ts, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		infos = append(infos, types.SnapshotInfo{
			Path:        filepath.Join(dir, entry.Name()),
			CreatedAtMs: ts,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAtMs < infos[j].CreatedAtMs
	})

	return infos, nil
}

// RemoveStaleTemp deletes leftover temp files from interrupted
// checkpoint writes.
func RemoveStaleTemp(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		if os.Remove(filepath.Join(dir, entry.Name())) == nil {
			removed++
		}
	}
	return removed
}
