package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// DocumentKind is the format of a fetched decision document.
type DocumentKind string

// Supported document kinds.
const (
	KindHTML DocumentKind = "html"
	KindPDF  DocumentKind = "pdf"
	KindDOCX DocumentKind = "docx"
)

// ContentType returns the MIME type written alongside a blob of this kind.
func (k DocumentKind) ContentType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "text/html; charset=utf-8"
	}
}

// DetectKind guesses the document kind from its URL and response Content-Type.
func DetectKind(rawURL, contentType string) DocumentKind {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasSuffix(p, ".pdf") || strings.Contains(ct, "pdf"):
		return KindPDF
	case strings.HasSuffix(p, ".doc") || strings.HasSuffix(p, ".docx") || strings.Contains(ct, "word"):
		return KindDOCX
	default:
		return KindHTML
	}
}

// KindOfKey recovers the document kind from an object key extension.
func KindOfKey(key string) DocumentKind {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(key), ".")) {
	case "pdf":
		return KindPDF
	case "docx", "doc":
		return KindDOCX
	default:
		return KindHTML
	}
}

const objectPrefix = "decisions"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey is the deterministic blob key for a case identifier in either zone.
func ObjectKey(identifier string, kind DocumentKind) string {
	if kind == "" {
		kind = KindHTML
	}
	name := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(identifier), "_")
	return path.Join(objectPrefix, name+"."+string(kind))
}

// ContentHash returns the hex sha256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clock returns the current time. Stages take one so tests can pin timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
