package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/decisions-pipeline/internal/decision"
	"github.com/JakeFAU/decisions-pipeline/internal/retry"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/memory"
)

const testBase = "https://wrc.test"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// pageFetcher serves canned listing pages and 404s everything else.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls []string
}

func (f *pageFetcher) Fetch(_ context.Context, url string) (decision.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	body, ok := f.pages[url]
	if !ok {
		return decision.FetchResponse{}, &decision.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return decision.FetchResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *pageFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type entryFixture struct {
	id   string
	date string
	link bool
}

func renderPage(next string, entries ...entryFixture) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, e := range entries {
		b.WriteString(`<li class="each-item">`)
		if e.link {
			fmt.Fprintf(&b, `<h2 class="title"><a href="/en/cases/x/%s.html">%s</a></h2>`, strings.ToLower(e.id), e.id)
		} else {
			fmt.Fprintf(&b, `<h2 class="title">%s</h2>`, e.id)
		}
		if e.date != "" {
			fmt.Fprintf(&b, `<span class="date">%s</span>`, e.date)
		}
		fmt.Fprintf(&b, `<p class="description">Case %s</p></li>`, e.id)
	}
	b.WriteString("</ul>")
	if next != "" {
		fmt.Fprintf(&b, `<a class="next" href="%s">Next</a>`, next)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func mayPage(n int) string {
	return fmt.Sprintf("%s/en/search/?decisions=1&from=1/5/2024&to=31/5/2024&pageNumber=%d", testBase, n)
}

var mayRequest = Request{
	Start:     day(2024, time.May, 1),
	End:       day(2024, time.May, 31),
	Partition: PartitionMonthly,
}

func newTestCrawler(t *testing.T, cfg Config, fetcher decision.Fetcher, store decision.MetadataStore) *Crawler {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBase
	}
	c, err := New(cfg, fetcher, nil, store,
		retry.NewExponentialPolicy(2, time.Millisecond, time.Millisecond),
		fixedClock{now: day(2024, time.June, 1)}, nil)
	require.NoError(t, err)
	return c
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, Config{BaseURL: testBase + "/"}, &pageFetcher{}, memory.NewMetadataStore())
	w := Window{Start: day(2024, time.May, 1), End: day(2024, time.May, 31)}
	assert.Equal(t, mayPage(3), c.SearchURL(w, 3))
}

func TestRunFollowsPaginationAndUpserts(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): renderPage("?decisions=1&from=1/5/2024&to=31/5/2024&pageNumber=2",
			entryFixture{id: "ADJ-00000001", date: "2/5/2024", link: true},
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
		),
		mayPage(2): renderPage("",
			entryFixture{id: "ADJ-00000003", date: "20/5/2024"},
			entryFixture{id: "ADJ-00000001", date: "2/5/2024", link: true},
		),
	}}
	store := memory.NewMetadataStore()
	c := newTestCrawler(t, Config{}, fetcher, store)

	summary, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, Summary{Partitions: 1, Pages: 2, Discovered: 3, Upserted: 3}, summary)
	assert.Equal(t, 3, store.CaseCount())

	record, err := store.GetCase(context.Background(), "ADJ-00000003")
	require.NoError(t, err)
	assert.Equal(t, "https://wrc.test/en/cases/2024/may/adj-00000003.html", record.SourceURL)
	assert.Equal(t, "2024-05", record.Partition)
	assert.Equal(t, "ADJ", record.Category)
	assert.Equal(t, decision.DownloadPending, record.DownloadStatus)
	assert.Equal(t, day(2024, time.June, 1), record.DiscoveredAt)
}

func TestRecrawlDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): renderPage("",
			entryFixture{id: "ADJ-00000001", date: "2/5/2024", link: true},
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
		),
		// Overlapping weekly window over the same cases.
		fmt.Sprintf("%s/en/search/?decisions=1&from=1/5/2024&to=7/5/2024&pageNumber=1", testBase): renderPage("",
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
		),
	}}
	store := memory.NewMetadataStore()
	c := newTestCrawler(t, Config{}, fetcher, store)

	_, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	require.NoError(t, store.SetDownloadState(context.Background(), "ADJ-00000002", decision.DownloadState{
		Status:    decision.DownloadDownloaded,
		ObjectKey: "decisions/ADJ-00000002.html",
		At:        day(2024, time.June, 2),
	}))

	_, err = c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Request{
		Start:     day(2024, time.May, 1),
		End:       day(2024, time.May, 7),
		Partition: PartitionWeekly,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, store.CaseCount())
	record, err := store.GetCase(context.Background(), "ADJ-00000002")
	require.NoError(t, err)
	assert.Equal(t, decision.DownloadDownloaded, record.DownloadStatus, "re-crawl keeps download state")
}

func TestRunSkipsOutOfRangeEntries(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): renderPage("",
			entryFixture{id: "ADJ-00000001", date: "30/4/2024", link: true},
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
			entryFixture{id: "ADJ-00000003", date: "1/6/2024", link: true},
		),
	}}
	store := memory.NewMetadataStore()
	c := newTestCrawler(t, Config{}, fetcher, store)

	summary, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.OutOfRange)
	assert.Equal(t, 1, summary.Upserted)
	_, err = store.GetCase(context.Background(), "ADJ-00000001")
	require.ErrorIs(t, err, decision.ErrNotFound)
}

func TestRunSkipsFailedPages(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(2): renderPage("", entryFixture{id: "ADJ-00000009", date: "9/5/2024", link: true}),
	}}
	store := memory.NewMetadataStore()
	c := newTestCrawler(t, Config{}, fetcher, store)

	summary, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PagesFailed)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 1, summary.Upserted)
}

func TestRunCountsUnparseablePages(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): "",
		mayPage(2): renderPage("", entryFixture{id: "ADJ-00000009", date: "9/5/2024", link: true}),
	}}
	c := newTestCrawler(t, Config{}, fetcher, memory.NewMetadataStore())

	summary, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PagesUnparseable)
	assert.Equal(t, 1, summary.Upserted)
}

func TestRunEndsWindowAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{}}
	c := newTestCrawler(t, Config{MaxConsecutivePageFailures: 2}, fetcher, memory.NewMetadataStore())

	summary, err := c.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.PagesFailed)
	assert.Equal(t, 3, fetcher.callCount(), "404 is not retried")
}

func TestRunStopsEarlyWhenDateOrdered(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		mayPage(1): renderPage("?decisions=1&from=1/5/2024&to=31/5/2024&pageNumber=2",
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
			entryFixture{id: "ADJ-00000001", date: "28/4/2024", link: true},
		),
		mayPage(2): renderPage("", entryFixture{id: "ADJ-00000005", date: "2/5/2024", link: true}),
	}

	ordered := &pageFetcher{pages: pages}
	summary, err := newTestCrawler(t, Config{DateOrdered: true}, ordered, memory.NewMetadataStore()).
		Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 1, summary.Upserted)

	unordered := &pageFetcher{pages: pages}
	summary, err = newTestCrawler(t, Config{}, unordered, memory.NewMetadataStore()).
		Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pages)
	assert.Equal(t, 2, summary.Upserted)
}

func TestRunRejectsRecordsWithoutSourceURL(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): renderPage("",
			entryFixture{id: "ADJ-00000001"},
			entryFixture{id: "ADJ-00000002", date: "3/5/2024"},
		),
	}}
	store := memory.NewMetadataStore()
	summary, err := newTestCrawler(t, Config{}, fetcher, store).Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Upserted)
	assert.Equal(t, 1, store.CaseCount())
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &pageFetcher{pages: map[string]string{}}
	_, err := newTestCrawler(t, Config{}, fetcher, memory.NewMetadataStore()).Run(ctx, mayRequest)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fetcher.callCount())
}

func TestRunRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	_, err := newTestCrawler(t, Config{}, &pageFetcher{}, memory.NewMetadataStore()).Run(context.Background(), Request{
		Start: day(2024, time.June, 1),
		End:   day(2024, time.May, 1),
	})
	require.Error(t, err)
}

func TestDiscoverStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	fetcher := &pageFetcher{pages: map[string]string{
		mayPage(1): renderPage("?decisions=1&from=1/5/2024&to=31/5/2024&pageNumber=2",
			entryFixture{id: "ADJ-00000001", date: "2/5/2024", link: true},
			entryFixture{id: "ADJ-00000002", date: "3/5/2024", link: true},
		),
	}}
	c := newTestCrawler(t, Config{}, fetcher, memory.NewMetadataStore())

	var got []string
	for record, err := range c.Discover(context.Background(), mayRequest) {
		require.NoError(t, err)
		got = append(got, record.Identifier)
		break
	}
	assert.Equal(t, []string{"ADJ-00000001"}, got)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: testBase}, nil, nil, memory.NewMetadataStore(), nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: testBase}, &pageFetcher{}, nil, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "not a url"}, &pageFetcher{}, nil, memory.NewMetadataStore(), nil, nil, nil)
	require.Error(t, err)
}
