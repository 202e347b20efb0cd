package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/giorgosg1an/go-scrape-superleague/config"
	"github.com/giorgosg1an/go-scrape-superleague/models"
	"github.com/giorgosg1an/go-scrape-superleague/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineOpen is returned when Flush is called before Close.
	ErrPipelineOpen = errors.New("pipeline: flush before close")
)

// TableWriter writes one season's records as a delimited table beneath
// the output root and returns the written path.
type TableWriter interface {
	WriteTable(root, season string, records []*models.StatRecord) (string, error)
}

type item struct {
	season string
	record *models.StatRecord
}

// Pipeline coordinates validation, de-duplication, and per-season
// aggregation of scraped stat records.
type Pipeline struct {
	ctx    context.Context
	writer TableWriter
	root   string
	itemCh chan item

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	tablesMu sync.Mutex
	tables   map[string][]*models.StatRecord

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline that groups records by season and
// writes each season table through writer on Flush.
func NewPipeline(ctx context.Context, writer TableWriter, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		// Only reachable with a non-positive size, which Validate rejects.
		seen, _ = lru.New[string, struct{}](1)
	}
	return &Pipeline{
		ctx:      ctx,
		writer:   writer,
		root:     cfg.OutputRoot,
		itemCh:   make(chan item, cfg.PipelineBufferSize),
		seen:     seen,
		tables:   make(map[string][]*models.StatRecord),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues one record for the given season.
func (p *Pipeline) Process(season string, record *models.StatRecord) error {
	if record == nil {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	return p.enqueue(item{season: season, record: record})
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.itemCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Flush writes every accumulated season table in deterministic order:
// seasons sorted by label, rows sorted by team name then fingerprint.
// It returns the written paths. Call after Close.
func (p *Pipeline) Flush() ([]string, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		return nil, ErrPipelineOpen
	}

	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()

	labels := make([]string, 0, len(p.tables))
	for label := range p.tables {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var paths []string
	for _, label := range labels {
		records := p.tables[label]
		sort.SliceStable(records, func(i, j int) bool {
			ti, _ := records[i].Get(models.KeyTeam)
			tj, _ := records[j].Get(models.KeyTeam)
			if ti != tj {
				return ti < tj
			}
			return records[i].Fingerprint() < records[j].Fingerprint()
		})

		path, err := p.writer.WriteTable(p.root, label, records)
		if err != nil {
			return paths, fmt.Errorf("write season table %q: %w", label, err)
		}
		slog.Info("wrote season table",
			slog.String("season", label),
			slog.Int("rows", len(records)),
			slog.String("path", path),
		)
		paths = append(paths, path)
	}
	return paths, nil
}

// SeasonCounts returns the number of aggregated records per season.
func (p *Pipeline) SeasonCounts() map[string]int {
	p.tablesMu.Lock()
	defer p.tablesMu.Unlock()

	counts := make(map[string]int, len(p.tables))
	for label, records := range p.tables {
		counts[label] = len(records)
	}
	return counts
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := p.GetMetrics()
				processed := snapshot["processed_records"].(int64)
				dropped := snapshot["dropped"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int("dropped_kinds", len(dropped)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for it := range p.itemCh {
		p.prepare(it)
	}
}

// prepare validates the record, attaches its season, drops exact
// duplicates, and files it under the season table.
func (p *Pipeline) prepare(it item) {
	if err := parser.ValidateRecord(it.record); err != nil {
		p.metrics.addDropped("invalid_record")
		return
	}

	it.record.Set(models.KeySeason, it.season)

	fingerprint := it.record.Fingerprint()
	if _, dup := p.seen.Get(fingerprint); dup {
		p.metrics.addDropped("duplicate_row")
		return
	}
	p.seen.Add(fingerprint, struct{}{})

	p.tablesMu.Lock()
	p.tables[it.season] = append(p.tables[it.season], it.record)
	p.tablesMu.Unlock()

	p.metrics.incrementProcessed()
}

func (p *Pipeline) enqueue(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.ctx.Done():
		return ErrPipelineClosed
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.itemCh <- it:
		return nil
	}
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu        sync.Mutex
	processed int64
	dropped   map[string]int
}

func newMetrics() metrics {
	return metrics{
		dropped: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addDropped(kind string) {
	m.mu.Lock()
	m.dropped[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyDropped := make(map[string]int, len(m.dropped))
	for k, v := range m.dropped {
		copyDropped[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"dropped":           copyDropped,
	}
}
