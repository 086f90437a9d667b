// Package transformer turns landing-zone documents into curated documents.
package transformer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/decisions-pipeline/internal/cleaner"
	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/dispatcher"
	"github.com/JakeFAU/decisions-pipeline/internal/logging"
	"github.com/JakeFAU/decisions-pipeline/internal/metrics"
)

const (
	stage             = "transform"
	reasonBlobMissing = "landing blob missing"
)

// Config tunes the transform stage.
type Config struct {
	Workers     int
	MaxAttempts int
	// RawCollection is recorded on curated records as the source collection name.
	RawCollection string
}

// Options narrows which records one run selects.
type Options struct {
	From  *time.Time
	To    *time.Time
	IDs   []string
	Force bool
	Limit int
}

// Outcome is the per-record result of a transform attempt.
type Outcome struct {
	ID        string
	Status    decision.TransformStatus
	Key       string
	Reason    string
	Published bool
}

// Summary aggregates the outcomes of one run. Reset counts records whose landing blob
// was gone and were returned to the download queue.
type Summary struct {
	Selected  int
	Cleaned   int
	Failed    int
	Reset     int
	Published int
}

// Notification announces one curated document.
type Notification struct {
	Identifier    string    `json:"identifier"`
	CuratedKey    string    `json:"curated_key"`
	ContentHash   string    `json:"content_hash"`
	TransformedAt time.Time `json:"transformed_at"`
}

// Transformer reads landing blobs, cleans them and writes the curated zone.
type Transformer struct {
	cfg       Config
	store     decision.MetadataStore
	landing   decision.ObjectStore
	curated   decision.ObjectStore
	publisher decision.Publisher
	clock     decision.Clock
	logger    *zap.Logger
}

// New wires a Transformer. publisher and clock may be nil.
func New(
	cfg Config,
	store decision.MetadataStore,
	landing, curated decision.ObjectStore,
	publisher decision.Publisher,
	clock decision.Clock,
	logger *zap.Logger,
) (*Transformer, error) {
	switch {
	case store == nil:
		return nil, errors.New("transformer requires a metadata store")
	case landing == nil || curated == nil:
		return nil, errors.New("transformer requires landing and curated object stores")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RawCollection == "" {
		cfg.RawCollection = decision.DefaultRawCollection
	}
	if clock == nil {
		clock = decision.SystemClock{}
	}
	return &Transformer{
		cfg:       cfg,
		store:     store,
		landing:   landing,
		curated:   curated,
		publisher: publisher,
		clock:     clock,
		logger:    logging.OrNop(logger).Named("transformer"),
	}, nil
}

// Run transforms every eligible record. Clean failures are recorded as failed curated records,
// records with a missing landing blob are reset to pending, and store errors end the run.
func (t *Transformer) Run(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary
	records, err := t.Select(ctx, opts)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(records)
	if len(records) == 0 {
		t.logger.Info("no records to transform")
		return summary, nil
	}

	outcomes, err := dispatcher.Run(ctx, stage, t.cfg.Workers, records, t.transform)
	for _, outcome := range outcomes {
		switch outcome.Status {
		case decision.TransformCleaned:
			summary.Cleaned++
		case decision.TransformFailed:
			summary.Failed++
		case decision.TransformPending:
			summary.Reset++
		}
		if outcome.Published {
			summary.Published++
		}
	}
	t.logger.Info("transform finished",
		zap.Int("selected", summary.Selected),
		zap.Int("cleaned", summary.Cleaned),
		zap.Int("failed", summary.Failed),
		zap.Int("reset", summary.Reset),
		zap.Int("published", summary.Published),
	)
	return summary, err
}

// Select returns downloaded records that have no curated record yet, whose curated record
// failed with attempts left, or, when forced, that were already cleaned.
func (t *Transformer) Select(ctx context.Context, opts Options) ([]decision.CaseRecord, error) {
	records, err := t.store.ListCases(ctx, decision.CaseFilter{
		Statuses: []decision.DownloadStatus{decision.DownloadDownloaded},
		From:     opts.From,
		To:       opts.To,
		IDs:      opts.IDs,
	})
	if err != nil {
		return nil, fmt.Errorf("select records for transform: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.Identifier
	}
	curated, err := t.store.ListCurated(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list curated records: %w", err)
	}

	selected := records[:0]
	for _, record := range records {
		if opts.Limit > 0 && len(selected) >= opts.Limit {
			break
		}
		existing, ok := curated[record.Identifier]
		switch {
		case !ok, existing.Status == decision.TransformPending:
		case existing.Status == decision.TransformFailed && existing.Attempts < t.cfg.MaxAttempts:
		case opts.Force:
		default:
			continue
		}
		selected = append(selected, record)
	}
	return selected, nil
}

func (t *Transformer) transform(ctx context.Context, record decision.CaseRecord) (Outcome, error) {
	logger := t.logger.With(zap.String("identifier", record.Identifier), zap.String("key", record.ObjectKey))

	if record.ObjectKey == "" {
		return t.reset(ctx, logger, record)
	}
	source, err := t.landing.Get(ctx, record.ObjectKey)
	if errors.Is(err, decision.ErrObjectNotFound) {
		return t.reset(ctx, logger, record)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("read landing blob %s: %w", record.ObjectKey, err)
	}

	kind := decision.KindOfKey(record.ObjectKey)
	output := source
	if kind == decision.KindHTML {
		output, err = cleaner.Clean(source, record.ContentType)
		if err != nil {
			return t.fail(ctx, logger, record, err.Error())
		}
	}

	if _, err := t.curated.Put(ctx, record.ObjectKey, kind.ContentType(), output); err != nil {
		return Outcome{}, fmt.Errorf("write curated blob %s: %w", record.ObjectKey, err)
	}
	metrics.ObserveBytes("curated", len(output))

	curated := decision.CuratedRecord{
		Identifier:    record.Identifier,
		RawCollection: t.cfg.RawCollection,
		SourceKey:     record.ObjectKey,
		SourceHash:    decision.ContentHash(source),
		CuratedKey:    record.ObjectKey,
		ContentHash:   decision.ContentHash(output),
		TransformedAt: t.clock.Now(),
		Status:        decision.TransformCleaned,
	}
	if err := t.store.UpsertCurated(ctx, curated); err != nil {
		return Outcome{}, fmt.Errorf("upsert curated %s: %w", record.Identifier, err)
	}
	metrics.ObserveDocument(stage, string(decision.TransformCleaned))

	outcome := Outcome{ID: record.Identifier, Status: decision.TransformCleaned, Key: record.ObjectKey}
	if t.publisher != nil {
		id, err := t.publisher.Publish(ctx, Notification{
			Identifier:    curated.Identifier,
			CuratedKey:    curated.CuratedKey,
			ContentHash:   curated.ContentHash,
			TransformedAt: curated.TransformedAt,
		})
		if err != nil {
			logger.Warn("publish notification failed", zap.Error(err))
		} else {
			outcome.Published = true
			logger.Debug("notification published", zap.String("message_id", id))
		}
	}
	return outcome, nil
}

func (t *Transformer) fail(ctx context.Context, logger *zap.Logger, record decision.CaseRecord, reason string) (Outcome, error) {
	if err := t.store.UpsertCurated(ctx, decision.CuratedRecord{
		Identifier:    record.Identifier,
		RawCollection: t.cfg.RawCollection,
		SourceKey:     record.ObjectKey,
		SourceHash:    record.ContentHash,
		TransformedAt: t.clock.Now(),
		Status:        decision.TransformFailed,
		ErrorReason:   reason,
	}); err != nil {
		return Outcome{}, fmt.Errorf("mark %s failed: %w", record.Identifier, err)
	}
	metrics.ObserveDocument(stage, string(decision.TransformFailed))
	logger.Warn("transform failed", zap.String("reason", reason))
	return Outcome{ID: record.Identifier, Status: decision.TransformFailed, Reason: reason}, nil
}

// reset returns a record whose landing blob is gone to the download queue without
// writing a curated record.
func (t *Transformer) reset(ctx context.Context, logger *zap.Logger, record decision.CaseRecord) (Outcome, error) {
	if err := t.store.SetDownloadState(ctx, record.Identifier, decision.DownloadState{
		Status: decision.DownloadPending,
		Reason: reasonBlobMissing,
		At:     t.clock.Now(),
	}); err != nil {
		return Outcome{}, fmt.Errorf("reset %s: %w", record.Identifier, err)
	}
	metrics.ObserveDocument(stage, "reset")
	logger.Warn("landing blob missing, reset to pending")
	return Outcome{ID: record.Identifier, Status: decision.TransformPending, Reason: reasonBlobMissing}, nil
}
