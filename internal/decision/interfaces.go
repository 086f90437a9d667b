package decision

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// CaseFilter narrows a listing of Case Records. Zero values mean "no constraint".
type CaseFilter struct {
	Statuses []DownloadStatus
	From     *time.Time
	To       *time.Time
	IDs      []string
	// MaxAttempts, when positive, drops failed records that already used that many attempts.
	MaxAttempts int
	Limit       int
}

// Matches reports whether record satisfies the filter, ignoring Limit.
func (f CaseFilter) Matches(record CaseRecord) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, record.DownloadStatus) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, record.Identifier) {
		return false
	}
	if f.From != nil && (record.DecisionDate.IsZero() || record.DecisionDate.Before(*f.From)) {
		return false
	}
	if f.To != nil && (record.DecisionDate.IsZero() || record.DecisionDate.After(*f.To)) {
		return false
	}
	if f.MaxAttempts > 0 && record.DownloadStatus == DownloadFailed && record.Attempts >= f.MaxAttempts {
		return false
	}
	return true
}

// DownloadState is the download outcome written back onto a Case Record.
type DownloadState struct {
	Status      DownloadStatus
	ObjectKey   string
	ContentHash string
	ContentType string
	At          time.Time
	Reason      string
}

// MetadataStore persists Case Records (raw collection) and Curated Records (curated collection).
// Every write is keyed by identifier and atomic per record.
type MetadataStore interface {
	// UpsertCase inserts a new record as pending or refreshes discovery fields of an existing one.
	// The download state of an existing record is left untouched.
	UpsertCase(ctx context.Context, record CaseRecord) error
	GetCase(ctx context.Context, identifier string) (CaseRecord, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]CaseRecord, error)
	SetDownloadState(ctx context.Context, identifier string, state DownloadState) error
	UpsertCurated(ctx context.Context, record CuratedRecord) error
	GetCurated(ctx context.Context, identifier string) (CuratedRecord, error)
	ListCurated(ctx context.Context, identifiers []string) (map[string]CuratedRecord, error)
}

// ObjectStore is one logical bucket (landing or curated) addressed by object key.
type ObjectStore interface {
	// Put writes data under key, overwriting any previous object, and returns a URI for logs.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Get returns the object bytes or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// FetchResponse is the body and metadata of one HTTP GET.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Publisher announces curated documents to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Limiter blocks until a request to the URL's host may proceed.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// StatusError reports a completed HTTP exchange with a non-2xx status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status is worth another attempt (5xx, 408, 429).
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}
