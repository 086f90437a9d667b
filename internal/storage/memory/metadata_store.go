package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

// MetadataStore keeps raw and curated records in maps guarded by a mutex.
type MetadataStore struct {
	mu      sync.RWMutex
	cases   map[string]decision.CaseRecord
	curated map[string]decision.CuratedRecord
	writes  int
}

var _ decision.MetadataStore = (*MetadataStore)(nil)

// NewMetadataStore constructs an empty MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		cases:   make(map[string]decision.CaseRecord),
		curated: make(map[string]decision.CuratedRecord),
	}
}

// UpsertCase inserts a pending record or refreshes discovery fields of an existing one.
func (s *MetadataStore) UpsertCase(_ context.Context, record decision.CaseRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++

	existing, ok := s.cases[record.Identifier]
	if !ok {
		record.DownloadStatus = decision.DownloadPending
		record.ObjectKey = ""
		record.ContentHash = ""
		record.ContentType = ""
		record.DownloadedAt = nil
		record.Attempts = 0
		record.ErrorReason = ""
		s.cases[record.Identifier] = record
		return nil
	}
	existing.Title = record.Title
	existing.ReferenceNumber = record.ReferenceNumber
	existing.Category = record.Category
	if !record.DecisionDate.IsZero() {
		existing.DecisionDate = record.DecisionDate
	}
	existing.SourceURL = record.SourceURL
	existing.Partition = record.Partition
	s.cases[record.Identifier] = existing
	return nil
}

// GetCase returns a copy of the raw record.
func (s *MetadataStore) GetCase(_ context.Context, identifier string) (decision.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.cases[identifier]
	if !ok {
		return decision.CaseRecord{}, fmt.Errorf("get case %s: %w", identifier, decision.ErrNotFound)
	}
	return cloneCase(record), nil
}

// ListCases returns records matching filter ordered by decision date then identifier.
// Records without a date sort last.
func (s *MetadataStore) ListCases(_ context.Context, filter decision.CaseFilter) ([]decision.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []decision.CaseRecord
	for _, record := range s.cases {
		if filter.Matches(record) {
			out = append(out, cloneCase(record))
		}
	}
	slices.SortFunc(out, func(a, b decision.CaseRecord) int {
		switch {
		case a.DecisionDate.IsZero() && !b.DecisionDate.IsZero():
			return 1
		case !a.DecisionDate.IsZero() && b.DecisionDate.IsZero():
			return -1
		}
		if c := a.DecisionDate.Compare(b.DecisionDate); c != 0 {
			return c
		}
		return cmp.Compare(a.Identifier, b.Identifier)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetDownloadState applies a download outcome or reconciliation reset. Attempts counts
// consecutive failures and resets on a successful download.
func (s *MetadataStore) SetDownloadState(_ context.Context, identifier string, state decision.DownloadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.cases[identifier]
	if !ok {
		return fmt.Errorf("set download state %s: %w", identifier, decision.ErrNotFound)
	}
	switch state.Status {
	case decision.DownloadDownloaded:
		at := state.At
		record.ObjectKey = state.ObjectKey
		record.ContentHash = state.ContentHash
		record.ContentType = state.ContentType
		record.DownloadedAt = &at
		record.ErrorReason = ""
		record.Attempts = 0
	case decision.DownloadFailed:
		record.ErrorReason = state.Reason
		record.Attempts++
	case decision.DownloadPending:
		record.ObjectKey = ""
		record.ContentHash = ""
		record.ContentType = ""
		record.DownloadedAt = nil
		record.ErrorReason = state.Reason
	default:
		return fmt.Errorf("%w: unknown download status %q", decision.ErrInvalidRecord, state.Status)
	}
	record.DownloadStatus = state.Status
	s.cases[identifier] = record
	s.writes++
	return nil
}

// UpsertCurated writes the curated record. Attempts counts consecutive failures and
// resets when the record is cleaned.
func (s *MetadataStore) UpsertCurated(_ context.Context, record decision.CuratedRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Attempts = 0
	if record.Status == decision.TransformFailed {
		record.Attempts = s.curated[record.Identifier].Attempts + 1
	}
	s.curated[record.Identifier] = record
	s.writes++
	return nil
}

// GetCurated returns the curated record.
func (s *MetadataStore) GetCurated(_ context.Context, identifier string) (decision.CuratedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.curated[identifier]
	if !ok {
		return decision.CuratedRecord{}, fmt.Errorf("get curated %s: %w", identifier, decision.ErrNotFound)
	}
	return record, nil
}

// ListCurated returns the curated records that exist for identifiers.
func (s *MetadataStore) ListCurated(_ context.Context, identifiers []string) (map[string]decision.CuratedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decision.CuratedRecord, len(identifiers))
	for _, id := range identifiers {
		if record, ok := s.curated[id]; ok {
			out[id] = record
		}
	}
	return out, nil
}

// Writes counts successful mutations, for asserting that a stage left the store untouched.
func (s *MetadataStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// CaseCount returns the number of raw records.
func (s *MetadataStore) CaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func cloneCase(record decision.CaseRecord) decision.CaseRecord {
	if record.DownloadedAt != nil {
		at := *record.DownloadedAt
		record.DownloadedAt = &at
	}
	return record
}
