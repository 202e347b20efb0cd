package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/giorgosg1an/go-scrape-superleague/models"
)

// CombinedFileName is the merged table written at the output root.
const CombinedFileName = "combined_team_stats.csv"

// ReadTable re-ingests a written season table as records. An empty cell
// means the row never had that column, so the key is omitted.
func ReadTable(path string) ([]*models.StatRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table %q: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read table %q: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q has no header", path)
	}

	header := rows[0]
	records := make([]*models.StatRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := models.NewStatRecord()
		for i, value := range row {
			if i >= len(header) || value == "" {
				continue
			}
			record.Set(header[i], value)
		}
		records = append(records, record)
	}
	return records, nil
}

// Combine merges the given season tables, in order, into one combined
// CSV beneath root. Columns are the union of every table's columns;
// rows keep their per-table order. Only the paths handed in are read,
// so a rerun never re-ingests older output.
func Combine(paths []string, root string) (string, int, error) {
	if len(paths) == 0 {
		return "", 0, fmt.Errorf("no season tables to combine")
	}

	var all []*models.StatRecord
	for _, path := range paths {
		records, err := ReadTable(path)
		if err != nil {
			return "", 0, err
		}
		all = append(all, records...)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", 0, fmt.Errorf("create output root %q: %w", root, err)
	}

	combined := filepath.Join(root, CombinedFileName)
	if err := writeCSVTable(combined, all); err != nil {
		return "", 0, err
	}
	return combined, len(all), nil
}
