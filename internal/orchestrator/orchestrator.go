// Package orchestrator runs the crawl, download and transform stages in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/downloader"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/metrics"
	"github.com/JakeFAU/decisions-pipeline/internal/transformer"
)

// Crawler discovers case records.
type Crawler interface {
	Run(ctx context.Context, req crawler.Request) (crawler.Summary, error)
}

// Downloader fetches documents into the landing zone.
type Downloader interface {
	Run(ctx context.Context, opts downloader.Options) (downloader.Summary, error)
}

// Transformer cleans landing documents into the curated zone.
type Transformer interface {
	Run(ctx context.Context, opts transformer.Options) (transformer.Summary, error)
}

// Request describes one pipeline run.
type Request struct {
	Start     time.Time
	End       time.Time
	Partition crawler.Partition
}

// Summary reports what one run did.
type Summary struct {
	RunID      string
	Crawl      crawler.Summary
	Download   downloader.Summary
	Transform  transformer.Summary
	StartedAt  time.Time
	FinishedAt time.Time
}

// Discovered is the number of case records found by the crawl.
func (s Summary) Discovered() int { return s.Crawl.Discovered }

// Downloaded is the number of documents written to the landing zone.
func (s Summary) Downloaded() int { return s.Download.Downloaded }

// Transformed is the number of documents written to the curated zone.
func (s Summary) Transformed() int { return s.Transform.Cleaned }

// Failed counts per-record failures across the download and transform stages.
func (s Summary) Failed() int { return s.Download.Failed + s.Transform.Failed }

// Orchestrator sequences the three stages.
type Orchestrator struct {
	crawler     Crawler
	downloader  Downloader
	transformer Transformer
	clock       decision.Clock
	logger      *zap.Logger
}

// New wires an Orchestrator. clock may be nil.
func New(c Crawler, d Downloader, t Transformer, clock decision.Clock, logger *zap.Logger) (*Orchestrator, error) {
	if c == nil || d == nil || t == nil {
		return nil, errors.New("orchestrator requires crawler, downloader and transformer")
	}
	if clock == nil {
		clock = decision.SystemClock{}
	}
	return &Orchestrator{
		crawler:     c,
		downloader:  d,
		transformer: t,
		clock:       clock,
		logger:      logging.OrNop(logger).Named("orchestrator"),
	}, nil
}

// Run executes crawl, download and transform. A stage error stops the run before the next
// stage starts; the summary holds whatever completed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Summary, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary := Summary{RunID: runID.String(), StartedAt: o.clock.Now()}
	logger := o.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("pipeline started",
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
		zap.String("partition", string(req.Partition)))

	finish := func(err error) (Summary, error) {
		summary.FinishedAt = o.clock.Now()
		fields := []zap.Field{
			zap.Int("discovered", summary.Discovered()),
			zap.Int("downloaded", summary.Downloaded()),
			zap.Int("transformed", summary.Transformed()),
			zap.Int("failed", summary.Failed()),
			zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
		}
		if err != nil {
			logger.Error("pipeline stopped", append(fields, zap.Error(err))...)
			return summary, err
		}
		logger.Info("pipeline finished", fields...)
		return summary, nil
	}

	crawlSummary, err := timed(ctx, "crawl", func(ctx context.Context) (crawler.Summary, error) {
		return o.crawler.Run(ctx, crawler.Request{Start: req.Start, End: req.End, Partition: req.Partition})
	})
	summary.Crawl = crawlSummary
	if err != nil {
		return finish(fmt.Errorf("crawl: %w", err))
	}

	downloadSummary, err := timed(ctx, "download", func(ctx context.Context) (downloader.Summary, error) {
		return o.downloader.Run(ctx, downloader.Options{})
	})
	summary.Download = downloadSummary
	if err != nil {
		return finish(fmt.Errorf("download: %w", err))
	}

	transformSummary, err := timed(ctx, "transform", func(ctx context.Context) (transformer.Summary, error) {
		return o.transformer.Run(ctx, transformer.Options{})
	})
	summary.Transform = transformSummary
	if err != nil {
		return finish(fmt.Errorf("transform: %w", err))
	}
	return finish(nil)
}

// timed runs one stage after checking for cancellation and records its duration.
func timed[S any](ctx context.Context, stage string, run func(context.Context) (S, error)) (S, error) {
	if err := ctx.Err(); err != nil {
		var zero S
		return zero, err
	}
	start := time.Now()
	defer func() { metrics.ObserveStage(stage, time.Since(start)) }()
	return run(ctx)
}
