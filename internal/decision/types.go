// Package decision defines the records, statuses and store contracts shared by every pipeline stage.
package decision

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Collection names used when no override is configured.
const (
	DefaultRawCollection     = "decisions"
	DefaultCuratedCollection = "decisions_curated"
)

// DownloadStatus tracks a Case Record through the Downloader.
type DownloadStatus string

// Download status values persisted in the raw collection.
const (
	DownloadPending    DownloadStatus = "pending"
	DownloadDownloaded DownloadStatus = "downloaded"
	DownloadFailed     DownloadStatus = "failed"
)

// Valid reports whether s is a known download status.
func (s DownloadStatus) Valid() bool {
	switch s {
	case DownloadPending, DownloadDownloaded, DownloadFailed:
		return true
	default:
		return false
	}
}

// TransformStatus tracks a Curated Record through the Transformer.
type TransformStatus string

// Transform status values persisted in the curated collection.
const (
	TransformPending TransformStatus = "pending"
	TransformCleaned TransformStatus = "cleaned"
	TransformFailed  TransformStatus = "failed"
)

// Valid reports whether s is a known transform status.
func (s TransformStatus) Valid() bool {
	switch s {
	case TransformPending, TransformCleaned, TransformFailed:
		return true
	default:
		return false
	}
}

// Sentinel errors shared by stores and stages.
var (
	ErrNotFound       = errors.New("record not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrEmptyBody      = errors.New("empty response body")
	ErrBodyTooLarge   = errors.New("response body exceeds size limit")
)

// CaseRecord is the raw metadata describing one published decision.
type CaseRecord struct {
	Identifier      string         `json:"identifier"`
	Title           string         `json:"title"`
	ReferenceNumber string         `json:"reference_no"`
	Category        string         `json:"category"`
	DecisionDate    time.Time      `json:"decision_date"`
	SourceURL       string         `json:"source_url"`
	Partition       string         `json:"partition"`
	DiscoveredAt    time.Time      `json:"discovered_at"`
	DownloadStatus  DownloadStatus `json:"download_status"`
	ObjectKey       string         `json:"object_key,omitempty"`
	ContentHash     string         `json:"content_hash,omitempty"`
	ContentType     string         `json:"content_type,omitempty"`
	DownloadedAt    *time.Time     `json:"downloaded_at,omitempty"`
	Attempts        int            `json:"attempts"`
	ErrorReason     string         `json:"error_reason,omitempty"`
}

// Validate checks the fields required before a Case Record may be written.
func (r CaseRecord) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRecord)
	}
	if r.SourceURL == "" {
		return fmt.Errorf("%w: %s: source url is required", ErrInvalidRecord, r.Identifier)
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s: source url %q is not absolute http(s)", ErrInvalidRecord, r.Identifier, r.SourceURL)
	}
	if r.DownloadStatus != "" && !r.DownloadStatus.Valid() {
		return fmt.Errorf("%w: %s: unknown download status %q", ErrInvalidRecord, r.Identifier, r.DownloadStatus)
	}
	return nil
}

// CuratedRecord links a cleaned document to the raw record it was built from.
type CuratedRecord struct {
	Identifier    string          `json:"identifier"`
	RawCollection string          `json:"raw_collection"`
	SourceKey     string          `json:"source_key"`
	SourceHash    string          `json:"source_hash"`
	CuratedKey    string          `json:"curated_key,omitempty"`
	ContentHash   string          `json:"content_hash,omitempty"`
	TransformedAt time.Time       `json:"transformed_at"`
	Status        TransformStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	ErrorReason   string          `json:"error_reason,omitempty"`
}

// Validate checks the fields required before a Curated Record may be written.
func (r CuratedRecord) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: %s: unknown transform status %q", ErrInvalidRecord, r.Identifier, r.Status)
	}
	if r.Status == TransformCleaned && r.CuratedKey == "" {
		return fmt.Errorf("%w: %s: curated key is required once cleaned", ErrInvalidRecord, r.Identifier)
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`(ADJ-\d+|DWT\d+|UDD\d+|EAT-\d+|IR-SC-\d+)`)

// FindIdentifier returns the first case identifier embedded in text.
func FindIdentifier(text string) string {
	return identifierPattern.FindString(strings.ToUpper(text))
}

// CategoryOf derives the case category from the identifier prefix.
func CategoryOf(identifier string) string {
	id := strings.ToUpper(strings.TrimSpace(identifier))
	switch {
	case strings.HasPrefix(id, "IR-SC"):
		return "IR-SC"
	case strings.HasPrefix(id, "ADJ"):
		return "ADJ"
	case strings.HasPrefix(id, "DWT"):
		return "DWT"
	case strings.HasPrefix(id, "UDD"):
		return "UDD"
	case strings.HasPrefix(id, "EAT"):
		return "EAT"
	default:
		return "OTHER"
	}
}
