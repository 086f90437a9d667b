// Package crawler discovers decision case records from the paginated search listing.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/metrics"
	"github.com/JakeFAU/decisions-pipeline/internal/retry"
)

const (
	defaultMaxConsecutiveFailures = 3
	defaultMaxPages               = 500
)

// Config governs listing traversal.
type Config struct {
	BaseURL string
	// DateOrdered allows a window to stop early once a page lists a case older than the window.
	DateOrdered                bool
	MaxConsecutivePageFailures int
	MaxPagesPerPartition       int
}

// Request is one crawl over an inclusive date range.
type Request struct {
	Start     time.Time
	End       time.Time
	Partition Partition
}

// Validate checks that the range is well formed.
func (r Request) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("crawl start and end dates are required")
	}
	if truncateDay(r.Start).After(truncateDay(r.End)) {
		return fmt.Errorf("crawl start %s is after end %s", r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	}
	return nil
}

// Summary counts what one crawl saw.
type Summary struct {
	Partitions       int
	Pages            int
	PagesFailed      int
	PagesUnparseable int
	Discovered       int
	OutOfRange       int
	Rejected         int
	Upserted         int
}

// Crawler walks search result pages and writes case records into the raw collection.
type Crawler struct {
	cfg     Config
	fetcher decision.Fetcher
	limiter decision.Limiter
	store   decision.MetadataStore
	retry   *retry.ExponentialPolicy
	clock   decision.Clock
	logger  *zap.Logger
}

// New wires a Crawler. limiter, policy and clock may be nil.
func New(
	cfg Config,
	fetcher decision.Fetcher,
	limiter decision.Limiter,
	store decision.MetadataStore,
	policy *retry.ExponentialPolicy,
	clock decision.Clock,
	logger *zap.Logger,
) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("crawler requires a fetcher")
	}
	if store == nil {
		return nil, errors.New("crawler requires a metadata store")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid crawler base url %q", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxConsecutivePageFailures <= 0 {
		cfg.MaxConsecutivePageFailures = defaultMaxConsecutiveFailures
	}
	if cfg.MaxPagesPerPartition <= 0 {
		cfg.MaxPagesPerPartition = defaultMaxPages
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy(0, 0, 0)
	}
	if clock == nil {
		clock = decision.SystemClock{}
	}
	return &Crawler{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		store:   store,
		retry:   policy,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("crawler"),
	}, nil
}

// SearchURL returns the listing address for one page of a window.
func (c *Crawler) SearchURL(w Window, page int) string {
	return fmt.Sprintf("%s/en/search/?decisions=1&from=%s&to=%s&pageNumber=%d",
		c.cfg.BaseURL, siteDate(w.Start), siteDate(w.End), page)
}

// Run discovers every case in req and upserts it. Invalid records are counted and skipped;
// a store error stops the crawl.
func (c *Crawler) Run(ctx context.Context, req Request) (Summary, error) {
	var summary Summary

	for record, err := range c.discover(ctx, req, &summary) {
		if err != nil {
			return summary, err
		}
		if err := record.Validate(); err != nil {
			summary.Rejected++
			metrics.ObserveRecord("rejected")
			c.logger.Warn("rejected case record", zap.String("identifier", record.Identifier), zap.Error(err))
			continue
		}
		if err := c.store.UpsertCase(ctx, record); err != nil {
			return summary, fmt.Errorf("upsert case %s: %w", record.Identifier, err)
		}
		summary.Upserted++
		metrics.ObserveRecord("upserted")
	}
	c.logger.Info("crawl finished",
		zap.Int("partitions", summary.Partitions),
		zap.Int("pages", summary.Pages),
		zap.Int("pages_failed", summary.PagesFailed),
		zap.Int("pages_unparseable", summary.PagesUnparseable),
		zap.Int("discovered", summary.Discovered),
		zap.Int("out_of_range", summary.OutOfRange),
		zap.Int("rejected", summary.Rejected),
		zap.Int("upserted", summary.Upserted),
	)
	return summary, nil
}

// Discover lazily yields the case records listed for req. Page failures are skipped; the
// only error yielded is a validation error or context cancellation, after which iteration ends.
func (c *Crawler) Discover(ctx context.Context, req Request) iter.Seq2[decision.CaseRecord, error] {
	return c.discover(ctx, req, &Summary{})
}

func (c *Crawler) discover(ctx context.Context, req Request, summary *Summary) iter.Seq2[decision.CaseRecord, error] {
	return func(yield func(decision.CaseRecord, error) bool) {
		if err := req.Validate(); err != nil {
			yield(decision.CaseRecord{}, err)
			return
		}
		seen := make(map[string]struct{})
		for _, window := range Partitions(req.Start, req.End, req.Partition) {
			summary.Partitions++
			if !c.crawlWindow(ctx, window, seen, summary, yield) {
				return
			}
		}
	}
}

// crawlWindow walks the pages of one window. It returns false when iteration must end.
func (c *Crawler) crawlWindow(
	ctx context.Context,
	window Window,
	seen map[string]struct{},
	summary *Summary,
	yield func(decision.CaseRecord, error) bool,
) bool {
	logger := c.logger.With(zap.String("partition", window.Label))
	pageNumber := 1
	pageURL := c.SearchURL(window, pageNumber)
	consecutiveFailures := 0

	for pages := 0; pages < c.cfg.MaxPagesPerPartition; pages++ {
		if err := ctx.Err(); err != nil {
			yield(decision.CaseRecord{}, err)
			return false
		}
		listing, err := c.fetchListing(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				yield(decision.CaseRecord{}, ctx.Err())
				return false
			}
			if errors.Is(err, ErrUnparseable) {
				summary.PagesUnparseable++
				metrics.ObserveListingPage("unparseable")
			} else {
				summary.PagesFailed++
				metrics.ObserveListingPage("failed")
			}
			consecutiveFailures++
			logger.Warn("listing page skipped",
				zap.String("url", pageURL),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err))
			if consecutiveFailures > c.cfg.MaxConsecutivePageFailures {
				logger.Warn("too many consecutive page failures, ending partition")
				return true
			}
			pageNumber++
			pageURL = c.SearchURL(window, pageNumber)
			continue
		}
		consecutiveFailures = 0
		summary.Pages++
		metrics.ObserveListingPage("ok")

		fresh := 0
		olderThanWindow := false
		for _, entry := range listing.Entries {
			if !entry.Date.IsZero() && !window.Contains(entry.Date) {
				summary.OutOfRange++
				metrics.ObserveRecord("out_of_range")
				if entry.Date.Before(window.Start) {
					olderThanWindow = true
				}
				continue
			}
			if _, dup := seen[entry.Identifier]; dup {
				continue
			}
			seen[entry.Identifier] = struct{}{}
			fresh++
			summary.Discovered++
			if !yield(c.toRecord(entry, window), nil) {
				return false
			}
		}
		logger.Debug("listing page parsed",
			zap.String("url", pageURL),
			zap.Int("entries", len(listing.Entries)),
			zap.Int("new", fresh))

		switch {
		case fresh == 0:
			return true
		case c.cfg.DateOrdered && olderThanWindow:
			return true
		case listing.NextURL == "":
			return true
		}
		pageNumber++
		pageURL = listing.NextURL
	}
	logger.Warn("page limit reached", zap.Int("max_pages", c.cfg.MaxPagesPerPartition))
	return true
}

func (c *Crawler) fetchListing(ctx context.Context, pageURL string) (Listing, error) {
	resp, err := retry.Do(ctx, c.retry, func(ctx context.Context) (decision.FetchResponse, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, pageURL); err != nil {
				return decision.FetchResponse{}, err
			}
		}
		return c.fetcher.Fetch(ctx, pageURL)
	}, func(attempt uint, err error) {
		c.logger.Debug("retrying listing page", zap.String("url", pageURL), zap.Uint("attempt", attempt+1), zap.Error(err))
	})
	if err != nil {
		return Listing{}, fmt.Errorf("fetch listing: %w", err)
	}
	return ParseListing(resp.Body, pageURL, c.cfg.BaseURL)
}

func (c *Crawler) toRecord(entry Entry, window Window) decision.CaseRecord {
	return decision.CaseRecord{
		Identifier:      entry.Identifier,
		Title:           entry.Title,
		ReferenceNumber: entry.ReferenceNumber,
		Category:        decision.CategoryOf(entry.Identifier),
		DecisionDate:    entry.Date,
		SourceURL:       entry.Link,
		Partition:       window.Label,
		DiscoveredAt:    c.clock.Now(),
		DownloadStatus:  decision.DownloadPending,
	}
}
