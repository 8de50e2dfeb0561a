package writer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"chartfeed/models"
)

// BarRecord is the parquet row layout of one cached bar. WrittenAt repeats
// the entry's LastWrittenAt on every row.
type BarRecord struct {
	Time      int64   `parquet:"name=time, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	WrittenAt int64   `parquet:"name=written_at, type=INT64"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek is never needed while writing; report the current size.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// memoryFileReader serves a finished parquet file from memory. Open hands out
// an independent cursor over the same bytes, which the column readers need.
type memoryFileReader struct {
	data []byte
	r    *bytes.Reader
}

func newMemoryFileReader(data []byte) *memoryFileReader {
	return &memoryFileReader{data: data, r: bytes.NewReader(data)}
}

func (m *memoryFileReader) Open(string) (source.ParquetFile, error) {
	return newMemoryFileReader(m.data), nil
}

func (m *memoryFileReader) Create(string) (source.ParquetFile, error) {
	return nil, errors.New("memory parquet reader is read-only")
}

func (m *memoryFileReader) Seek(offset int64, whence int) (int64, error) {
	return m.r.Seek(offset, whence)
}

func (m *memoryFileReader) Read(b []byte) (int, error) { return m.r.Read(b) }

func (m *memoryFileReader) Write([]byte) (int, error) {
	return 0, errors.New("memory parquet reader is read-only")
}

func (m *memoryFileReader) Close() error { return nil }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeEntry serialises the entry's bars as a parquet file.
func encodeEntry(entry *models.CacheEntry, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(BarRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	writtenAt := entry.LastWrittenAt.UnixMilli()
	for _, bar := range entry.Bars {
		record := BarRecord{
			Time:      int64(bar.Time),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			WrittenAt: writtenAt,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

// decodeEntry is the inverse of encodeEntry.
func decodeEntry(key models.SeriesKey, data []byte) (*models.CacheEntry, error) {
	pr, err := reader.NewParquetReader(newMemoryFileReader(data), new(BarRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet data: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]BarRecord, int(pr.GetNumRows()))
	if len(rows) > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	entry := &models.CacheEntry{Key: key, Bars: make([]models.Bar, 0, len(rows))}
	for i, row := range rows {
		if i == 0 {
			entry.LastWrittenAt = time.UnixMilli(row.WrittenAt).UTC()
		}
		entry.Bars = append(entry.Bars, models.Bar{
			Time:  models.Timestamp(row.Time),
			Open:  row.Open,
			High:  row.High,
			Low:   row.Low,
			Close: row.Close,
		})
	}
	return entry, nil
}
