package export

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
)

// Title is the first header row of every results file.
const Title = "Temperature Measurement System - results"

// Config holds export configuration.
type Config struct {
	OutPath     string `yaml:"out_path" json:"outPath"`
	FilesPrefix string `yaml:"files_prefix" json:"filesPrefix"`
}

// Operator identifies who ran the measurement.
type Operator struct {
	Name  string `yaml:"name" json:"name"`
	Role  string `yaml:"role" json:"role"`
	Email string `yaml:"email" json:"email"`
}

// Result describes a written export.
type Result struct {
	Path  string `json:"path"`
	RunID string `json:"runId"`
	Rows  int    `json:"rows"`
}

// FileName returns "<prefix>_data_<YYYY-MM-DD_HHMMSS>.csv".
func FileName(prefix string, ts time.Time) string {
	if prefix == "" {
		prefix = "result"
	}
	return fmt.Sprintf("%s_data_%s.csv", prefix, ts.Format("2006-01-02_150405"))
}

// WriteCSV writes samples under cfg.OutPath with an operator header block,
// a blank row, then a time,T1..T6 table. Sentinel rows are written as-is.
func WriteCSV(cfg Config, op Operator, samples []acquisition.Sample, ts time.Time) (Result, error) {
	dir := cfg.OutPath
	if dir == "" {
		dir = "./results"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("export: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(cfg.FilesPrefix, ts))
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	runID := uuid.NewString()
	w := csv.NewWriter(f)

	header := [][]string{
		{Title},
		{"User name:", op.Name},
		{"User role:", op.Role},
		{"User email:", op.Email},
		{"Date:", ts.Format(time.ANSIC)},
		{"Run ID:", runID},
		{},
	}
	if err := w.WriteAll(header); err != nil {
		return Result{}, fmt.Errorf("export: header: %w", err)
	}

	if err := w.Write(columns()); err != nil {
		return Result{}, fmt.Errorf("export: columns: %w", err)
	}
	for _, s := range samples {
		if err := w.Write(buildRow(s)); err != nil {
			return Result{}, fmt.Errorf("export: row t=%d: %w", s.Time, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Result{}, fmt.Errorf("export: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("export: close %s: %w", path, err)
	}

	log.Printf("[export] wrote %d rows to %s (run %s)", len(samples), path, runID)
	return Result{Path: path, RunID: runID, Rows: len(samples)}, nil
}

func columns() []string {
	cols := make([]string, 0, acquisition.Channels+1)
	cols = append(cols, "time")
	for i := 0; i < acquisition.Channels; i++ {
		cols = append(cols, acquisition.ChannelName(i))
	}
	return cols
}

func buildRow(s acquisition.Sample) []string {
	row := make([]string, acquisition.Channels+1)
	row[0] = strconv.FormatInt(s.Time, 10)
	for i, v := range s.T {
		row[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return row
}
