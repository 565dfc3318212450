package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// BatchWriter streams episodes of training rows into a parquet file under
// outDir/tmp and publishes it with an atomic rename on Finalize, so readers
// only ever see complete batch files. It accumulates the Episode records
// alongside the rows so a finalized batch can be indexed in one call.
type BatchWriter struct {
	tmpPath string
	outPath string

	file   *os.File
	writer *parquet.GenericWriter[TrainingRow]

	rows     int
	episodes []Episode
}

func NewBatchWriter(outDir string) (*BatchWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}

	w := parquet.NewGenericWriter[TrainingRow](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("observation"),
	)
	w.SetKeyValueMetadata("schema", "training_row_v1")

	return &BatchWriter{
		tmpPath: tmpPath,
		outPath: filepath.Join(absOut, name),
		file:    f,
		writer:  w,
	}, nil
}

func (b *BatchWriter) TmpPath() string       { return b.tmpPath }
func (b *BatchWriter) BufferedRows() int     { return b.rows }
func (b *BatchWriter) BufferedEpisodes() int { return len(b.episodes) }

// AppendEpisode streams one episode's rows into the batch and records the
// episode for indexing. Episodes with no rows are skipped.
func (b *BatchWriter) AppendEpisode(rows []TrainingRow, ep Episode) error {
	if b.writer == nil || b.file == nil {
		return fmt.Errorf("batch writer is closed")
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := b.writer.Write(rows); err != nil {
		return err
	}
	b.rows += len(rows)
	b.episodes = append(b.episodes, ep)
	return nil
}

// Finalize closes the parquet writer and moves the file from tmp/ to outDir,
// returning the Batch record and its episodes ready for DB.InsertBatch. If
// nothing was appended, the tmp file is removed and an empty Batch is
// returned.
func (b *BatchWriter) Finalize() (Batch, []Episode, error) {
	if b.writer == nil && b.file == nil {
		return Batch{}, nil, nil
	}

	batch := Batch{
		Path:     b.outPath,
		Rows:     int64(b.rows),
		Episodes: int64(len(b.episodes)),
	}
	episodes := b.episodes
	b.episodes = nil

	var closeErr error
	if b.writer != nil {
		closeErr = b.writer.Close()
		b.writer = nil
	}
	var fileErr error
	if b.file != nil {
		_ = b.file.Sync()
		fileErr = b.file.Close()
		b.file = nil
	}
	if closeErr != nil {
		return Batch{}, nil, fmt.Errorf("close parquet writer: %w", closeErr)
	}
	if fileErr != nil {
		return Batch{}, nil, fmt.Errorf("close parquet file: %w", fileErr)
	}

	if batch.Rows == 0 {
		_ = os.Remove(b.tmpPath)
		return Batch{}, nil, nil
	}
	if err := os.Rename(b.tmpPath, b.outPath); err != nil {
		return Batch{}, nil, fmt.Errorf("rename parquet: %w", err)
	}

	for i := range episodes {
		episodes[i].BatchPath = batch.Path
	}
	return batch, episodes, nil
}
