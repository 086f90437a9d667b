package crawler

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
)

// ErrUnparseable marks a listing page whose body cannot be read as HTML.
var ErrUnparseable = errors.New("listing page is not parseable html")

// Entry is one search result as it appears on a listing page.
type Entry struct {
	Identifier      string
	Title           string
	ReferenceNumber string
	Date            time.Time
	Link            string
}

// Listing is the parsed content of one search results page.
type Listing struct {
	Entries []Entry
	NextURL string
}

// ParseListing extracts entries and the next-page link from a search results page.
// Relative links resolve against pageURL; entries without a link but with a date get the
// conventional case URL under baseURL. Entries without an identifier are dropped.
func ParseListing(body []byte, pageURL, baseURL string) (Listing, error) {
	if len(bytes.TrimSpace(body)) == 0 || bytes.IndexByte(body, 0) >= 0 || !utf8.Valid(body) {
		return Listing{}, ErrUnparseable
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	page, err := url.Parse(pageURL)
	if err != nil {
		return Listing{}, fmt.Errorf("parse page url: %w", err)
	}

	var listing Listing
	doc.Find("li.each-item").Each(func(_ int, item *goquery.Selection) {
		entry, ok := parseEntry(item, page, baseURL)
		if ok {
			listing.Entries = append(listing.Entries, entry)
		}
	})

	next := doc.Find("a.next[href]").First()
	if next.Length() == 0 {
		next = doc.Find(`a[rel="next"][href]`).First()
	}
	if href, ok := next.Attr("href"); ok && strings.TrimSpace(href) != "" {
		listing.NextURL = resolve(page, href)
	}
	return listing, nil
}

func parseEntry(item *goquery.Selection, page *url.URL, baseURL string) (Entry, bool) {
	titleText := collapse(item.Find("h2.title").First().Text())
	refText := collapse(item.Find("span.refNO").First().Text())

	id := decision.FindIdentifier(titleText)
	if id == "" {
		id = decision.FindIdentifier(refText)
	}
	if id == "" {
		id = decision.FindIdentifier(item.Text())
	}
	if id == "" {
		// Some listings carry a bare reference that does not follow a known prefix.
		id = refText
	}
	if id == "" {
		return Entry{}, false
	}

	entry := Entry{
		Identifier:      id,
		Title:           collapse(item.Find("p.description").First().Text()),
		ReferenceNumber: refText,
	}
	if entry.ReferenceNumber == "" {
		entry.ReferenceNumber = id
	}
	if dateText := collapse(item.Find("span.date").First().Text()); dateText != "" {
		if d, err := time.Parse("2/1/2006", dateText); err == nil {
			entry.Date = d
		}
	}

	link, ok := item.Find("a.btn.btn-primary[href]").First().Attr("href")
	if !ok || strings.TrimSpace(link) == "" {
		link, ok = item.Find("h2.title a[href]").First().Attr("href")
	}
	switch {
	case ok && strings.TrimSpace(link) != "":
		entry.Link = resolve(page, link)
	case !entry.Date.IsZero():
		entry.Link = caseURL(baseURL, entry.Date, id)
	}
	return entry, true
}

// caseURL builds the conventional document address for a case published on date.
func caseURL(baseURL string, date time.Time, identifier string) string {
	return fmt.Sprintf("%s/en/cases/%d/%s/%s.html",
		strings.TrimRight(baseURL, "/"),
		date.Year(),
		strings.ToLower(date.Month().String()),
		strings.ToLower(identifier),
	)
}

func resolve(page *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return page.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
