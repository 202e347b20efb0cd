// Package models defines data structures for the scraper.
package models

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Reserved record keys attached outside the stats pages themselves.
const (
	KeyTeam   = "team"
	KeySeason = "season"
)

// SeasonRef points at one historical season's roster page.
type SeasonRef struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// TeamRef points at one team's info page within a season.
type TeamRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// StatRecord is an insertion-ordered mapping of stat name to stat value.
// The field set is open: whatever rows a team's stats page happens to
// render. Setting an existing key overwrites its value but keeps its
// original position, so last-write-wins without reordering columns.
type StatRecord struct {
	keys   []string
	values map[string]string
}

// NewStatRecord returns an empty record.
func NewStatRecord() *StatRecord {
	return &StatRecord{values: make(map[string]string)}
}

// Set stores a value under key, overwriting any previous value.
func (r *StatRecord) Set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value for key and whether it is present.
func (r *StatRecord) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the record's keys in insertion order.
func (r *StatRecord) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields in the record.
func (r *StatRecord) Len() int {
	return len(r.keys)
}

// Fingerprint returns a canonical serialization of the record, stable
// under key insertion order. Two records with the same fields are
// exact duplicates and share a fingerprint.
func (r *StatRecord) Fingerprint() string {
	keys := r.Keys()
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('\x1e')
		b.WriteString(r.values[k])
	}
	return b.String()
}

// MarshalJSON emits the record as a JSON object in insertion order.
func (r *StatRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ScrapeResult holds the overall result of a scraping operation
type ScrapeResult struct {
	Seasons         []SeasonRef
	StartTime       time.Time
	EndTime         time.Time
	TotalCount      int
	ErrorCount      int
	FailedURLs      []string
	ErrorsByType    map[string]int
	RetryCount      int
	RequestCount    int
	PageCount       int
	RecordsBySeason map[string]int
	EmptySeasons    []string
}
