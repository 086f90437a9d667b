// Package downloader fetches the documents behind pending case records into the landing zone.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/dispatcher"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/metrics"
	"github.com/JakeFAU/decisions-pipeline/internal/retry"
)

const (
	stage = "download"

	reasonMissingSourceURL = "missing source url"
	reasonBlobMissing      = "landing blob missing"
)

// Config tunes the download stage.
type Config struct {
	Workers     int
	MaxAttempts int
	// Reconcile checks downloaded records against the landing zone before each run.
	Reconcile bool
}

// Options narrows which records one run selects.
type Options struct {
	From  *time.Time
	To    *time.Time
	IDs   []string
	Force bool
	Limit int
}

// Outcome is the per-record result of a download attempt.
type Outcome struct {
	ID     string
	Status decision.DownloadStatus
	Key    string
	Reason string
}

// Summary aggregates the outcomes of one run.
type Summary struct {
	Selected   int
	Downloaded int
	Failed     int
	Reset      int
}

// Downloader moves documents from the source site into the landing zone.
type Downloader struct {
	cfg     Config
	store   decision.MetadataStore
	landing decision.ObjectStore
	fetcher decision.Fetcher
	limiter decision.Limiter
	retry   *retry.ExponentialPolicy
	clock   decision.Clock
	logger  *zap.Logger
}

// New wires a Downloader. limiter, policy and clock may be nil.
func New(
	cfg Config,
	store decision.MetadataStore,
	landing decision.ObjectStore,
	fetcher decision.Fetcher,
	limiter decision.Limiter,
	policy *retry.ExponentialPolicy,
	clock decision.Clock,
	logger *zap.Logger,
) (*Downloader, error) {
	switch {
	case store == nil:
		return nil, errors.New("downloader requires a metadata store")
	case landing == nil:
		return nil, errors.New("downloader requires a landing object store")
	case fetcher == nil:
		return nil, errors.New("downloader requires a fetcher")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy(0, 0, 0)
	}
	if clock == nil {
		clock = decision.SystemClock{}
	}
	return &Downloader{
		cfg:     cfg,
		store:   store,
		landing: landing,
		fetcher: fetcher,
		limiter: limiter,
		retry:   policy,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("downloader"),
	}, nil
}

// Run reconciles (when configured), selects eligible records and downloads them.
// Per-record fetch failures are recorded on the record; store errors end the run.
func (d *Downloader) Run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary
	if d.cfg.Reconcile {
		reset, err := d.Reconcile(ctx)
		summary.Reset = reset
		if err != nil {
			return summary, err
		}
	}

	records, err := d.Select(ctx, opts)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(records)
	if len(records) == 0 {
		d.logger.Info("no records to download")
		return summary, nil
	}

	outcomes, err := dispatcher.Run(ctx, stage, d.cfg.Workers, records, d.download)
	for _, outcome := range outcomes {
		switch outcome.Status {
		case decision.DownloadDownloaded:
			summary.Downloaded++
		case decision.DownloadFailed:
			summary.Failed++
		}
	}
	d.logger.Info("download finished",
		zap.Int("selected", summary.Selected),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("failed", summary.Failed),
		zap.Int("reset", summary.Reset),
	)
	return summary, err
}

// Select lists the records eligible for download: pending, failed with attempts left, and
// downloaded when forced.
func (d *Downloader) Select(ctx context.Context, opts Options) ([]decision.CaseRecord, error) {
	filter := decision.CaseFilter{
		Statuses:    []decision.DownloadStatus{decision.DownloadPending, decision.DownloadFailed},
		From:        opts.From,
		To:          opts.To,
		IDs:         opts.IDs,
		MaxAttempts: d.cfg.MaxAttempts,
		Limit:       opts.Limit,
	}
	if opts.Force {
		filter.Statuses = append(filter.Statuses, decision.DownloadDownloaded)
	}
	records, err := d.store.ListCases(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("select records for download: %w", err)
	}
	return records, nil
}

// Reconcile resets downloaded records whose landing blob is missing back to pending and
// returns how many were reset.
func (d *Downloader) Reconcile(ctx context.Context) (int, error) {
	records, err := d.store.ListCases(ctx, decision.CaseFilter{
		Statuses: []decision.DownloadStatus{decision.DownloadDownloaded},
	})
	if err != nil {
		return 0, fmt.Errorf("list downloaded records: %w", err)
	}
	reset := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		if record.ObjectKey != "" {
			ok, err := d.landing.Exists(ctx, record.ObjectKey)
			if err != nil {
				return reset, fmt.Errorf("check landing blob %s: %w", record.ObjectKey, err)
			}
			if ok {
				continue
			}
		}
		if err := d.store.SetDownloadState(ctx, record.Identifier, decision.DownloadState{
			Status: decision.DownloadPending,
			Reason: reasonBlobMissing,
		}); err != nil {
			return reset, fmt.Errorf("reset %s: %w", record.Identifier, err)
		}
		reset++
		metrics.ObserveDocument(stage, "reset")
		d.logger.Warn("landing blob missing, reset to pending",
			zap.String("identifier", record.Identifier),
			zap.String("key", record.ObjectKey))
	}
	return reset, nil
}

func (d *Downloader) download(ctx context.Context, record decision.CaseRecord) (Outcome, error) {
	logger := d.logger.With(zap.String("identifier", record.Identifier))
	if record.SourceURL == "" {
		return d.fail(ctx, logger, record, reasonMissingSourceURL)
	}

	resp, err := retry.Do(ctx, d.retry, func(ctx context.Context) (decision.FetchResponse, error) {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, record.SourceURL); err != nil {
				return decision.FetchResponse{}, err
			}
		}
		resp, err := d.fetcher.Fetch(ctx, record.SourceURL)
		if err != nil {
			return resp, err
		}
		if len(resp.Body) == 0 {
			return resp, fmt.Errorf("%s: %w", record.SourceURL, decision.ErrEmptyBody)
		}
		return resp, nil
	}, func(attempt uint, err error) {
		logger.Debug("retrying document fetch", zap.Uint("attempt", attempt+1), zap.Error(err))
	})
	if err != nil {
		return d.fail(ctx, logger, record, err.Error())
	}

	kind := decision.DetectKind(record.SourceURL, resp.Headers.Get("Content-Type"))
	key := decision.ObjectKey(record.Identifier, kind)
	contentType := storedContentType(kind, resp.Headers.Get("Content-Type"))
	uri, err := d.landing.Put(ctx, key, contentType, resp.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("write landing blob %s: %w", key, err)
	}
	metrics.ObserveBytes("landing", len(resp.Body))

	if err := d.store.SetDownloadState(ctx, record.Identifier, decision.DownloadState{
		Status:      decision.DownloadDownloaded,
		ObjectKey:   key,
		ContentHash: decision.ContentHash(resp.Body),
		ContentType: contentType,
		At:          d.clock.Now(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("mark %s downloaded: %w", record.Identifier, err)
	}
	metrics.ObserveDocument(stage, string(decision.DownloadDownloaded))
	logger.Debug("document stored", zap.String("uri", uri), zap.Int("bytes", len(resp.Body)))
	return Outcome{ID: record.Identifier, Status: decision.DownloadDownloaded, Key: key}, nil
}

func (d *Downloader) fail(ctx context.Context, logger *zap.Logger, record decision.CaseRecord, reason string) (Outcome, error) {
	if err := d.store.SetDownloadState(ctx, record.Identifier, decision.DownloadState{
		Status: decision.DownloadFailed,
		Reason: reason,
	}); err != nil {
		return Outcome{}, fmt.Errorf("mark %s failed: %w", record.Identifier, err)
	}
	metrics.ObserveDocument(stage, string(decision.DownloadFailed))
	logger.Warn("download failed", zap.String("url", record.SourceURL), zap.String("reason", reason))
	return Outcome{ID: record.Identifier, Status: decision.DownloadFailed, Reason: reason}, nil
}

// storedContentType is the type recorded with a landing blob. The fetcher transcodes HTML to
// UTF-8 only when the response declares a charset; otherwise the bytes are stored as served and
// the charset is left for the cleaner to sniff.
func storedContentType(kind decision.DocumentKind, served string) string {
	if kind != decision.KindHTML {
		return kind.ContentType()
	}
	if strings.Contains(strings.ToLower(served), "charset") {
		return kind.ContentType()
	}
	return "text/html"
}
