package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/canonical/chopsticks/types"
)

const DefaultParquetBatch = 1000

// recordRow is the on-disk layout of one operation record.
type recordRow struct {
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	OperationType string  `parquet:"name=operation_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Success       bool    `parquet:"name=success, type=BOOLEAN"`
	DurationMs    float64 `parquet:"name=duration_ms, type=DOUBLE"`
	SizeBytes     int64   `parquet:"name=size_bytes, type=INT64"`
	ObjectKey     string  `parquet:"name=object_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorCategory string  `parquet:"name=error_category, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ErrorMessage  string  `parquet:"name=error_message, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newRecordRow(rec types.OperationRecord) recordRow {
	return recordRow{
		Timestamp:     rec.Timestamp.UnixMilli(),
		OperationType: string(rec.OperationType),
		Success:       rec.Success,
		DurationMs:    durationMillis(rec.Duration),
		SizeBytes:     rec.SizeBytes,
		ObjectKey:     rec.ObjectKey,
		ErrorCategory: string(rec.Category()),
		ErrorMessage:  rec.ErrorMessage,
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ParquetWriter streams operation records into a Parquet file. Rows are
// written to a temporary file that is renamed into place on Close, so a
// reader never sees a truncated file.
type ParquetWriter struct {
	writer    *writer.ParquetWriter
	file      source.ParquetFile
	mutex     sync.Mutex
	filePath  string
	tmpPath   string
	batchSize int
	rows      []recordRow
	closed    bool
}

// NewParquetWriter creates a writer for a timestamped file in outputDir.
func NewParquetWriter(outputDir string, batchSize int) (*ParquetWriter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	fileName := fmt.Sprintf("chopsticks-%s.parquet", timestamp)
	return NewParquetFileWriter(filepath.Join(outputDir, fileName), batchSize)
}

// NewParquetFileWriter creates a writer for an explicit file path.
func NewParquetFileWriter(filePath string, batchSize int) (*ParquetWriter, error) {
	if batchSize <= 0 {
		batchSize = DefaultParquetBatch
	}
	tmpPath := filePath + ".tmp"

	file, err := local.NewLocalFileWriter(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(file, new(recordRow), 4)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &ParquetWriter{
		writer:    pw,
		file:      file,
		filePath:  filePath,
		tmpPath:   tmpPath,
		batchSize: batchSize,
		rows:      make([]recordRow, 0, batchSize),
	}, nil
}

// WriteRecord adds a record to the batch and flushes if the batch is full.
func (pw *ParquetWriter) WriteRecord(rec types.OperationRecord) error {
	pw.mutex.Lock()
	defer pw.mutex.Unlock()

	if pw.closed {
		return fmt.Errorf("parquet writer for %s is closed", pw.filePath)
	}
	pw.rows = append(pw.rows, newRecordRow(rec))
	if len(pw.rows) >= pw.batchSize {
		return pw.flush()
	}
	return nil
}

func (pw *ParquetWriter) flush() error {
	for _, row := range pw.rows {
		if err := pw.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	pw.rows = pw.rows[:0]
	return nil
}

// Close flushes remaining rows, finishes the file and moves it into place.
func (pw *ParquetWriter) Close() error {
	pw.mutex.Lock()
	defer pw.mutex.Unlock()

	if pw.closed {
		return nil
	}
	pw.closed = true

	if err := pw.flush(); err != nil {
		pw.abort()
		return err
	}
	if err := pw.writer.WriteStop(); err != nil {
		pw.abort()
		return fmt.Errorf("failed to stop parquet writer: %w", err)
	}
	if err := pw.file.Close(); err != nil {
		os.Remove(pw.tmpPath)
		return fmt.Errorf("failed to close parquet file: %w", err)
	}
	if err := os.Rename(pw.tmpPath, pw.filePath); err != nil {
		os.Remove(pw.tmpPath)
		return fmt.Errorf("failed to move parquet file into place: %w", err)
	}
	return nil
}

func (pw *ParquetWriter) abort() {
	pw.file.Close()
	os.Remove(pw.tmpPath)
}

// GetFilePath returns the path of the finished file.
func (pw *ParquetWriter) GetFilePath() string {
	return pw.filePath
}

// WriteParquet writes records to path in one pass.
func WriteParquet(path string, records []types.OperationRecord) error {
	pw, err := NewParquetFileWriter(path, DefaultParquetBatch)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := pw.WriteRecord(rec); err != nil {
			pw.mutex.Lock()
			pw.closed = true
			pw.abort()
			pw.mutex.Unlock()
			return err
		}
	}
	return pw.Close()
}
