package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/giorgosg1an/go-scrape-superleague/models"
)

// NewTableWriter returns the writer for the requested output format.
func NewTableWriter(format string) (TableWriter, error) {
	switch format {
	case "csv":
		return CSVTableWriter{}, nil
	case "json":
		return JSONLTableWriter{}, nil
	case "dual":
		return DualTableWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// CSVTableWriter writes one CSV file per season. The header is the
// union of keys across the season's records in first-seen order;
// missing cells are left empty.
type CSVTableWriter struct{}

// WriteTable writes records to <root>/<season>/team_stats_<season>.csv.
func (CSVTableWriter) WriteTable(root, season string, records []*models.StatRecord) (string, error) {
	dir := filepath.Join(root, SanitizeLabel(season))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create season directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, "team_stats_"+SanitizeLabel(season)+".csv")
	if err := writeCSVTable(path, records); err != nil {
		return "", err
	}
	return path, nil
}

func writeCSVTable(path string, records []*models.StatRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	columns := tableColumns(records)
	if err := writer.Write(columns); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(columns))
	for _, record := range records {
		for i, col := range columns {
			value, _ := record.Get(col)
			row[i] = value
		}
		if err := writer.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush csv records: %w", err)
	}
	return f.Close()
}

// JSONLTableWriter writes one newline-delimited JSON file per season,
// each record as an object in its own field order.
type JSONLTableWriter struct{}

// WriteTable writes records to <root>/<season>/team_stats_<season>.jsonl.
func (JSONLTableWriter) WriteTable(root, season string, records []*models.StatRecord) (string, error) {
	dir := filepath.Join(root, SanitizeLabel(season))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create season directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, "team_stats_"+SanitizeLabel(season)+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			f.Close()
			return "", fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := buffer.Flush(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush json writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// DualTableWriter writes both formats; the CSV path is the one reported
// downstream so the combine phase always consumes CSV tables.
type DualTableWriter struct{}

// WriteTable writes both the CSV and JSONL season tables.
func (DualTableWriter) WriteTable(root, season string, records []*models.StatRecord) (string, error) {
	path, err := (CSVTableWriter{}).WriteTable(root, season, records)
	if err != nil {
		return "", fmt.Errorf("csv write failed: %w", err)
	}
	if _, err := (JSONLTableWriter{}).WriteTable(root, season, records); err != nil {
		return "", fmt.Errorf("json write failed: %w", err)
	}
	return path, nil
}

// tableColumns returns the union of record keys in first-seen order.
func tableColumns(records []*models.StatRecord) []string {
	var columns []string
	seen := make(map[string]struct{})
	for _, record := range records {
		for _, key := range record.Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			columns = append(columns, key)
		}
	}
	return columns
}

// SanitizeLabel makes a season label safe to use as a path segment.
// Labels come from page markup and are used verbatim otherwise.
func SanitizeLabel(label string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"\x00", "",
	)
	cleaned := strings.TrimSpace(replacer.Replace(label))
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "season"
	}
	return cleaned
}
