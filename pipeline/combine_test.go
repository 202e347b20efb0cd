package pipeline

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/giorgosg1an/go-scrape-superleague/models"
)

func TestReadTableRoundTrip(t *testing.T) {
	root := t.TempDir()
	written := []*models.StatRecord{
		record(t, "team", "Team A", "rank", "3", "points", "42", "season", "2023-2024"),
		record(t, "team", "Team B", "rank", "5", "goals", "30", "season", "2023-2024"),
	}

	path, err := (CSVTableWriter{}).WriteTable(root, "2023-2024", written)
	if err != nil {
		t.Fatalf("write table: %v", err)
	}

	read, err := ReadTable(path)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	if len(read) != len(written) {
		t.Fatalf("read %d records, want %d", len(read), len(written))
	}

	// Same set of key/value mappings, modulo column ordering.
	wantPrints := fingerprints(written)
	gotPrints := fingerprints(read)
	if !reflect.DeepEqual(gotPrints, wantPrints) {
		t.Fatalf("round trip changed records:\n got %v\nwant %v", gotPrints, wantPrints)
	}
}

func fingerprints(records []*models.StatRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Fingerprint())
	}
	sort.Strings(out)
	return out
}

func TestCombineRowAndColumnUnion(t *testing.T) {
	root := t.TempDir()

	table1 := []*models.StatRecord{
		record(t, "team", "Team A", "rank", "3", "season", "2023-2024"),
		record(t, "team", "Team B", "rank", "5", "season", "2023-2024"),
	}
	table2 := []*models.StatRecord{
		record(t, "team", "Team C", "goals", "18", "season", "2022-2023"),
	}

	path1, err := (CSVTableWriter{}).WriteTable(root, "2023-2024", table1)
	if err != nil {
		t.Fatalf("write table 1: %v", err)
	}
	path2, err := (CSVTableWriter{}).WriteTable(root, "2022-2023", table2)
	if err != nil {
		t.Fatalf("write table 2: %v", err)
	}

	combined, rows, err := Combine([]string{path1, path2}, root)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}
	if combined != filepath.Join(root, CombinedFileName) {
		t.Fatalf("combined path = %q", combined)
	}

	f, err := os.Open(combined)
	if err != nil {
		t.Fatalf("open combined: %v", err)
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read combined: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("combined rows = %d, want header + 3", len(all))
	}

	header := all[0]
	wantCols := map[string]bool{"team": true, "rank": true, "season": true, "goals": true}
	if len(header) != len(wantCols) {
		t.Fatalf("header = %v, want union of all columns", header)
	}
	for _, col := range header {
		if !wantCols[col] {
			t.Fatalf("unexpected column %q", col)
		}
	}
}

func TestCombineRequiresPaths(t *testing.T) {
	if _, _, err := Combine(nil, t.TempDir()); err == nil {
		t.Fatalf("expected error for empty path list")
	}
}
