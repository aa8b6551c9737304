package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ncruces/go-strftime"
)

// DefaultSweepTablePattern names sweep tables by their start time.
const DefaultSweepTablePattern = "sweep_%Y%m%d_%H%M%S.tsv"

type SweepRow struct {
	Point        int
	RunID        string
	Values       []float64
	Status       string
	TrainMSE     float64
	TestNRMSE    float64
	TokenAcc     float64
	SentenceAcc  float64
	TrainSeconds float64
	TestSeconds  float64
}

// SweepTable streams one tab-separated row per sweep point.
type SweepTable struct {
	path   string
	file   *os.File
	writer *csv.Writer
	params []string
}

func SweepTableName(pattern string, started time.Time) string {
	if pattern == "" {
		pattern = DefaultSweepTablePattern
	}
	return strftime.Format(pattern, started)
}

func CreateSweepTable(dir, pattern string, started time.Time, params []string) (*SweepTable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, SweepTableName(pattern, started))
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	writer := csv.NewWriter(file)
	writer.Comma = '\t'

	header := []string{"point", "run_id"}
	header = append(header, params...)
	header = append(header, "status", "train_mse", "test_nrmse", "token_accuracy", "sentence_accuracy", "train_seconds", "test_seconds")
	if err := writer.Write(header); err != nil {
		_ = file.Close()
		return nil, err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &SweepTable{path: path, file: file, writer: writer, params: append([]string(nil), params...)}, nil
}

func (t *SweepTable) Path() string { return t.path }

// Append writes and flushes one row so partial sweeps stay readable.
func (t *SweepTable) Append(row SweepRow) error {
	if len(row.Values) != len(t.params) {
		return fmt.Errorf("sweep row has %d values, table has %d parameters", len(row.Values), len(t.params))
	}
	record := []string{strconv.Itoa(row.Point), row.RunID}
	for _, v := range row.Values {
		record = append(record, formatFloat(v))
	}
	record = append(record,
		row.Status,
		formatFloat(row.TrainMSE),
		formatFloat(row.TestNRMSE),
		formatFloat(row.TokenAcc),
		formatFloat(row.SentenceAcc),
		formatFloat(row.TrainSeconds),
		formatFloat(row.TestSeconds),
	)
	if err := t.writer.Write(record); err != nil {
		return err
	}
	t.writer.Flush()
	return t.writer.Error()
}

func (t *SweepTable) Close() error {
	t.writer.Flush()
	if err := t.writer.Error(); err != nil {
		_ = t.file.Close()
		return err
	}
	return t.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
