// Package scraper drives the three-stage crawl: season discovery on the
// teams index, team discovery on each season roster, and stat
// extraction from each team's info and statistics pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/giorgosg1an/go-scrape-superleague/config"
	"github.com/giorgosg1an/go-scrape-superleague/models"
	"github.com/giorgosg1an/go-scrape-superleague/parser"
	"github.com/giorgosg1an/go-scrape-superleague/pipeline"
)

// Page kinds carried in the request context so the HTML handler knows
// which extraction stage a response belongs to.
const (
	kindSeasons = "seasons"
	kindRoster  = "roster"
	kindInfo    = "info"
	kindStats   = "stats"
)

// Scraper wraps the colly collector and retry logic for the league site.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	base      *url.URL
	retry     *retryManager
	Metrics   *Metrics

	requestCount int64
	pageCount    int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
	seasons      []models.SeasonRef
	discoveryErr error

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	// The same team page can come up again on a retry or when the
	// current season shares team URLs with a prior one.
	collector.AllowURLRevisit = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		base:         parsed,
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.retry = newRetryManager(collector, cfg, s.Metrics)
	return s, nil
}

// Run starts the crawl and streams stat records through the pipeline.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.retry.SetContext(ctx)
	s.configureHandlers(ctx, p)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.Stop()
		case <-done:
		}
	}()

	if err := s.request(s.cfg.TeamsURL(), kindSeasons, "", ""); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	s.collector.Wait()
	s.retry.Stop()

	result := &models.ScrapeResult{
		Seasons:      s.snapshotSeasons(),
		StartTime:    start,
		EndTime:      time.Now(),
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
		PageCount:    int(atomic.LoadInt64(&s.pageCount)),
	}

	s.mu.Lock()
	discoveryErr := s.discoveryErr
	s.mu.Unlock()
	if discoveryErr != nil {
		return result, discoveryErr
	}
	return result, nil
}

func (s *Scraper) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			if s.Metrics != nil {
				s.Metrics.IncRequest(r.Ctx.Get("kind"))
			}
			if current%25 == 0 {
				slog.Debug("scraper request progress",
					slog.Int64("requests", current),
					slog.Int64("pages", atomic.LoadInt64(&s.pageCount)),
					slog.String("url", r.URL.String()),
				)
			}
		})

		s.collector.OnResponse(func(r *colly.Response) {
			atomic.AddInt64(&s.pageCount, 1)
			if s.Metrics != nil {
				if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
					s.Metrics.ObserveDuration(time.Since(start))
				}
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			statusCode := 0
			if r != nil {
				statusCode = r.StatusCode
			}
			classified := classifyError(err, statusCode)
			category := errorTypeLabel(classified)

			s.mu.Lock()
			s.errorsByType[category]++
			s.mu.Unlock()

			pageURL := ""
			var rctx *colly.Context
			if r != nil && r.Request != nil {
				rctx = r.Request.Ctx
				if r.Request.URL != nil {
					pageURL = r.Request.URL.String()
				}
			}
			slog.Error("request error",
				slog.String("url", pageURL),
				slog.String("category", category),
				slog.Any("error", err),
			)
			if s.Metrics != nil {
				s.Metrics.IncError(category)
			}

			// A failed fetch short-circuits its season/team branch here:
			// no handler runs, nothing downstream sees a partial page.
			if !s.retry.Schedule(pageURL, rctx) {
				s.mu.Lock()
				s.failedURLs = append(s.failedURLs, pageURL)
				s.mu.Unlock()
			}
		})

		s.collector.OnHTML("html", func(e *colly.HTMLElement) {
			if ctx.Err() != nil {
				return
			}
			kind := e.Request.Ctx.Get("kind")
			season := e.Request.Ctx.Get("season")

			switch kind {
			case kindSeasons:
				s.handleSeasonsPage(e)
			case kindRoster:
				s.handleRosterPage(e, season)
			case kindInfo:
				s.handleInfoPage(e, season)
			case kindStats:
				s.handleStatsPage(e, p, season)
			}
		})
	})
}

func (s *Scraper) handleSeasonsPage(e *colly.HTMLElement) {
	seasons, err := parser.ExtractSeasons(e.DOM, s.base)
	if err != nil {
		slog.Error("season discovery failed", slog.Any("error", err))
		if s.Metrics != nil {
			s.Metrics.IncError("malformed_page")
		}
		s.mu.Lock()
		s.discoveryErr = err
		s.mu.Unlock()
		return
	}

	selected := s.selectSeasons(seasons)
	s.mu.Lock()
	s.seasons = selected
	s.mu.Unlock()

	slog.Info("discovered seasons",
		slog.Int("found", len(seasons)),
		slog.Int("selected", len(selected)),
	)
	for _, season := range selected {
		if s.cfg.DiscoverOnly {
			slog.Info("season", slog.String("label", season.Label), slog.String("url", season.URL))
		}
		if err := s.request(season.URL, kindRoster, season.Label, ""); err != nil {
			slog.Error("queue roster page", slog.String("season", season.Label), slog.Any("error", err))
		}
	}
}

func (s *Scraper) handleRosterPage(e *colly.HTMLElement, season string) {
	teams, err := parser.ExtractTeams(e.DOM, s.base)
	if err != nil {
		// Fatal for this season only: it stays empty and the run
		// reports it, other seasons keep going.
		slog.Error("team discovery failed",
			slog.String("season", season),
			slog.Any("error", err),
		)
		if s.Metrics != nil {
			s.Metrics.IncError("malformed_page")
		}
		return
	}

	for _, team := range teams {
		if s.cfg.DiscoverOnly {
			slog.Info("team",
				slog.String("season", season),
				slog.String("name", team.Name),
				slog.String("url", team.URL),
			)
			continue
		}
		if err := s.request(team.URL, kindInfo, season, team.Name); err != nil {
			slog.Error("queue team info page",
				slog.String("team", team.Name),
				slog.Any("error", err),
			)
		}
	}
}

func (s *Scraper) handleInfoPage(e *colly.HTMLElement, season string) {
	name := parser.ExtractTeamName(e.DOM)
	if name == "" {
		slog.Warn("team name container absent on info page",
			slog.String("url", e.Request.URL.String()),
		)
	}

	statsURL := parser.StatsURL(e.Request.URL.String())
	if err := s.request(statsURL, kindStats, season, name); err != nil {
		slog.Error("queue team stats page",
			slog.String("url", statsURL),
			slog.Any("error", err),
		)
	}
}

func (s *Scraper) handleStatsPage(e *colly.HTMLElement, p *pipeline.Pipeline, season string) {
	team := e.Request.Ctx.Get("team")
	record, skipped := parser.ExtractTeamStats(e.DOM, team)
	for _, err := range skipped {
		slog.Warn("stat row skipped",
			slog.String("season", season),
			slog.String("team", team),
			slog.Any("error", err),
		)
	}
	if s.Metrics != nil {
		s.Metrics.IncMissingFields(len(skipped))
		s.Metrics.IncRecords()
	}

	if err := p.Process(season, record); err != nil && err != pipeline.ErrPipelineClosed {
		slog.Error("pipeline process error", slog.Any("error", err))
	}
}

// selectSeasons applies the season filter. Without an explicit filter
// the newest (in-progress) season is skipped unless configured in.
func (s *Scraper) selectSeasons(seasons []models.SeasonRef) []models.SeasonRef {
	if len(s.cfg.Seasons) > 0 {
		wanted := make(map[string]struct{}, len(s.cfg.Seasons))
		for _, label := range s.cfg.Seasons {
			wanted[label] = struct{}{}
		}
		var selected []models.SeasonRef
		for _, season := range seasons {
			if _, ok := wanted[season.Label]; ok {
				selected = append(selected, season)
			}
		}
		return selected
	}

	if s.cfg.IncludeCurrent || len(seasons) == 0 {
		return seasons
	}
	return seasons[1:]
}

// FinishResult fills in the aggregation-dependent fields once the
// pipeline has drained: per-season counts, the total, and any season
// the run was asked for that produced nothing. Call after the
// pipeline's Close.
func (s *Scraper) FinishResult(result *models.ScrapeResult, counts map[string]int) {
	result.RecordsBySeason = counts
	result.TotalCount = 0
	for _, count := range counts {
		result.TotalCount += count
	}
	result.EmptySeasons = nil
	if s.cfg.DiscoverOnly {
		return
	}
	for _, label := range s.targetSeasonLabels() {
		if counts[label] == 0 {
			result.EmptySeasons = append(result.EmptySeasons, label)
		}
	}
}

// targetSeasonLabels returns the labels the run was asked to produce
// records for: the explicit filter if set, otherwise the selected
// discovery result.
func (s *Scraper) targetSeasonLabels() []string {
	if len(s.cfg.Seasons) > 0 {
		return s.cfg.Seasons
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.seasons))
	for _, season := range s.seasons {
		labels = append(labels, season.Label)
	}
	return labels
}

func (s *Scraper) request(pageURL, kind, season, team string) error {
	rctx := colly.NewContext()
	rctx.Put("kind", kind)
	rctx.Put("season", season)
	rctx.Put("team", team)
	return s.collector.Request(http.MethodGet, pageURL, nil, rctx, nil)
}

func (s *Scraper) snapshotSeasons() []models.SeasonRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SeasonRef, len(s.seasons))
	copy(out, s.seasons)
	return out
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode >= http.StatusBadRequest {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		default:
			return ErrHTTPStatus{Status: statusCode, Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
