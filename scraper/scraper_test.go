package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/giorgosg1an/go-scrape-superleague/config"
	"github.com/giorgosg1an/go-scrape-superleague/models"
	"github.com/giorgosg1an/go-scrape-superleague/pipeline"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/en/"
	cfg.OutputRoot = t.TempDir()
	cfg.Parallelism = 2
	cfg.MaxRetries = 0
	cfg.PipelineBufferSize = 32
	cfg.DedupeMaxSize = 128
	return cfg
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	if !rm.Schedule("http://example.test/page", nil) {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://example.test/page", nil) {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://example.test/page", nil) {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetryManagerDisabledByDefault(t *testing.T) {
	cfg := config.DefaultConfig()

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())
	defer rm.Stop()

	if rm.Schedule("http://example.test/page", nil) {
		t.Fatalf("retries should be off with max retries zero")
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	delay := rm.backoff(4)
	if delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: nil, statusCode: http.StatusInternalServerError, expected: "http_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

const indexPage = `<html><body>
<ul class="sub-current">
  <a href="/en/standings/"><li>Standings</li></a>
  <a href="/en/schedule/"><li>Schedule</li></a>
</ul>
<ul class="sub-current">
  <a href="/en/teams/24/"><li>2024-2025</li></a>
  <a href="/en/teams/23/"><li>2023-2024</li></a>
</ul>
</body></html>`

const rosterPage = `<html><body>
<a class="team-card" href="/en/team/1/info/"><h4>Team A</h4></a>
<a class="team-card" href="/en/team/2/info/"><h4>Team B</h4></a>
</body></html>`

func infoPage(name string) string {
	return fmt.Sprintf(`<html><body>
<div class="container fix-font-size vertical-center">%s</div>
</body></html>`, name)
}

func statsPage(rank, points string) string {
	return fmt.Sprintf(`<html><body>
<div class="total-stats-content">
  <div class="row-team-info"><div class="bold">rank</div><div class="text-right">%s</div></div>
  <div class="row-team-info"><div class="bold">points</div><div class="text-right">%s</div></div>
</div>
</body></html>`, rank, points)
}

func registerSite(transport *httpmock.MockTransport) {
	transport.RegisterResponder("GET", "http://example.test/en/teams/", htmlResponder(indexPage))
	transport.RegisterResponder("GET", "http://example.test/en/teams/23/", htmlResponder(rosterPage))
	transport.RegisterResponder("GET", "http://example.test/en/team/1/info/", htmlResponder(infoPage("Team A")))
	transport.RegisterResponder("GET", "http://example.test/en/team/2/info/", htmlResponder(infoPage("Team B")))
	transport.RegisterResponder("GET", "http://example.test/en/team/1/teamStats/", htmlResponder(statsPage("3", "42")))
	transport.RegisterResponder("GET", "http://example.test/en/team/2/teamStats/", htmlResponder(statsPage("5", "30")))
}

type collectingWriter struct {
	mu     sync.Mutex
	tables map[string][]*models.StatRecord
}

func (cw *collectingWriter) WriteTable(root, season string, records []*models.StatRecord) (string, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.tables == nil {
		cw.tables = make(map[string][]*models.StatRecord)
	}
	cw.tables[season] = records
	return root + "/" + season + ".csv", nil
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	registerSite(transport)

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	s.FinishResult(result, p.SeasonCounts())
	if _, err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The in-progress 2024-2025 season is skipped by default.
	if len(writer.tables) != 1 {
		t.Fatalf("tables = %v, want just 2023-2024", writer.tables)
	}
	rows := writer.tables["2023-2024"]
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (failed=%v errors=%v)", len(rows), result.FailedURLs, result.ErrorsByType)
	}

	want := []map[string]string{
		{"team": "Team A", "rank": "3", "points": "42", "season": "2023-2024"},
		{"team": "Team B", "rank": "5", "points": "30", "season": "2023-2024"},
	}
	for i, expected := range want {
		for key, value := range expected {
			got, ok := rows[i].Get(key)
			if !ok || got != value {
				t.Fatalf("row %d %q = %q (present=%v), want %q", i, key, got, ok, value)
			}
		}
	}

	if len(result.EmptySeasons) != 0 {
		t.Fatalf("empty seasons = %v, want none", result.EmptySeasons)
	}
	if result.RecordsBySeason["2023-2024"] != 2 {
		t.Fatalf("season count = %d, want 2", result.RecordsBySeason["2023-2024"])
	}
	if result.TotalCount != 2 {
		t.Fatalf("total = %d, want 2", result.TotalCount)
	}
}

func TestScraperIncludeCurrent(t *testing.T) {
	cfg := testConfig(t)
	cfg.IncludeCurrent = true

	transport := httpmock.NewMockTransport()
	registerSite(transport)
	// Current season roster is requested too; serve an empty-but-valid page
	// with one card so it produces a record.
	transport.RegisterResponder("GET", "http://example.test/en/teams/24/",
		htmlResponder(`<html><body><a class="team-card" href="/en/team/1/info/"><h4>Team A</h4></a></body></html>`))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if len(result.Seasons) != 2 {
		t.Fatalf("selected seasons = %d, want 2", len(result.Seasons))
	}
}

func TestScraperSeasonFilterReportsEmptySeason(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seasons = []string{"1999-2000"}

	transport := httpmock.NewMockTransport()
	registerSite(transport)

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	p := pipeline.NewPipeline(context.Background(), &collectingWriter{}, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	s.FinishResult(result, p.SeasonCounts())

	if len(result.EmptySeasons) != 1 || result.EmptySeasons[0] != "1999-2000" {
		t.Fatalf("empty seasons = %v, want [1999-2000]", result.EmptySeasons)
	}
}

func TestScraperShortCircuitsFailedTeam(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	registerSite(transport)
	// Team B's stats page is gone; Team A must still come through.
	transport.RegisterResponder("GET", "http://example.test/en/team/2/teamStats/",
		httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(2)

	result, err := s.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if _, err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows := writer.tables["2023-2024"]
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if team, _ := rows[0].Get(models.KeyTeam); team != "Team A" {
		t.Fatalf("surviving team = %q, want Team A", team)
	}
	if result.ErrorsByType["not_found"] == 0 {
		t.Fatalf("expected not_found classification, got %v", result.ErrorsByType)
	}
	if len(result.FailedURLs) != 1 {
		t.Fatalf("failed urls = %v, want one entry", result.FailedURLs)
	}
}

func TestScraperMalformedIndexIsFatal(t *testing.T) {
	cfg := testConfig(t)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/en/teams/",
		htmlResponder(`<html><body><p>maintenance</p></body></html>`))

	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)

	p := pipeline.NewPipeline(context.Background(), &collectingWriter{}, cfg)
	p.Start(1)

	if _, err := s.Run(context.Background(), p); err == nil {
		t.Fatalf("expected season discovery failure")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}
