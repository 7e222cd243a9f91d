package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Row is one manifest entry. Label is NaN-free only when Labeled is set;
// prediction manifests carry filenames alone.
type Row struct {
	Filename string
	Label    float64
	Labeled  bool
}

// ReadManifest parses a CSV manifest. The filename column is required;
// the label column is optional, but when the header declares it every
// row must carry a parseable value.
func ReadManifest(path, filenameCol, labelCol string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}

	fileIdx, labelIdx := -1, -1
	for i, col := range header {
		switch col {
		case filenameCol:
			fileIdx = i
		case labelCol:
			labelIdx = i
		}
	}
	if fileIdx < 0 {
		return nil, fmt.Errorf("manifest %s has no %q column", path, filenameCol)
	}

	var rows []Row
	line := 1
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("manifest %s line %d: %w", path, line+1, err)
		}
		line++
		row := Row{Filename: record[fileIdx]}
		if row.Filename == "" {
			return nil, fmt.Errorf("manifest %s line %d: empty filename", path, line)
		}
		if labelIdx >= 0 {
			label, err := strconv.ParseFloat(record[labelIdx], 64)
			if err != nil {
				return nil, fmt.Errorf("manifest %s line %d: bad label %q: %w", path, line, record[labelIdx], err)
			}
			row.Label = label
			row.Labeled = true
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest %s has no data rows", path)
	}
	return rows, nil
}

// Prediction pairs one manifest row with its scored output.
type Prediction struct {
	Filename string
	Score    float64
	Grade    int
}

// WritePredictions emits the scored rows as CSV in manifest order.
func WritePredictions(path string, preds []Prediction) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create predictions file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"filename", "predicted_score", "predicted_grade"}); err != nil {
		return fmt.Errorf("write predictions header: %w", err)
	}
	for _, p := range preds {
		record := []string{
			p.Filename,
			strconv.FormatFloat(p.Score, 'f', 4, 64),
			strconv.Itoa(p.Grade),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write prediction for %s: %w", p.Filename, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush predictions: %w", err)
	}
	return nil
}
