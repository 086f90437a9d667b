package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/decisions-pipeline/internal/crawler"
	"github.com/JakeFAU/decisions-pipeline/internal/downloader"
	collyfetcher "github.com/JakeFAU/decisions-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/decisions-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/decisions-pipeline/internal/retry"
	"github.com/JakeFAU/decisions-pipeline/internal/storage/memory"
	"github.com/JakeFAU/decisions-pipeline/internal/transformer"
)

type stageLog struct {
	calls []string
}

type stubCrawler struct {
	log     *stageLog
	summary crawler.Summary
	err     error
	cancel  context.CancelFunc
}

func (s *stubCrawler) Run(_ context.Context, _ crawler.Request) (crawler.Summary, error) {
	s.log.calls = append(s.log.calls, "crawl")
	if s.cancel != nil {
		s.cancel()
	}
	return s.summary, s.err
}

type stubDownloader struct {
	log     *stageLog
	summary downloader.Summary
	err     error
}

func (s *stubDownloader) Run(_ context.Context, _ downloader.Options) (downloader.Summary, error) {
	s.log.calls = append(s.log.calls, "download")
	return s.summary, s.err
}

type stubTransformer struct {
	log     *stageLog
	summary transformer.Summary
	err     error
}

func (s *stubTransformer) Run(_ context.Context, _ transformer.Options) (transformer.Summary, error) {
	s.log.calls = append(s.log.calls, "transform")
	return s.summary, s.err
}

var mayRequest = Request{
	Start:     time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
	End:       time.Date(2024, time.May, 31, 0, 0, 0, 0, time.UTC),
	Partition: crawler.PartitionMonthly,
}

func TestRunSequencesStagesAndAggregates(t *testing.T) {
	t.Parallel()

	log := &stageLog{}
	o, err := New(
		&stubCrawler{log: log, summary: crawler.Summary{Discovered: 10, Upserted: 10}},
		&stubDownloader{log: log, summary: downloader.Summary{Selected: 10, Downloaded: 8, Failed: 2}},
		&stubTransformer{log: log, summary: transformer.Summary{Selected: 8, Cleaned: 7, Failed: 1}},
		nil, nil)
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, []string{"crawl", "download", "transform"}, log.calls)
	assert.Equal(t, 10, summary.Discovered())
	assert.Equal(t, 8, summary.Downloaded())
	assert.Equal(t, 7, summary.Transformed())
	assert.Equal(t, 3, summary.Failed())
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	id, err := uuid.Parse(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestRunHaltsOnStageError(t *testing.T) {
	t.Parallel()

	log := &stageLog{}
	boom := errors.New("metadata store unavailable")
	o, err := New(
		&stubCrawler{log: log, summary: crawler.Summary{Discovered: 3}},
		&stubDownloader{log: log, err: boom},
		&stubTransformer{log: log},
		nil, nil)
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), mayRequest)
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "download:")
	assert.Equal(t, []string{"crawl", "download"}, log.calls)
	assert.Equal(t, 3, summary.Discovered())
}

func TestRunStopsBetweenStagesOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &stageLog{}
	o, err := New(
		&stubCrawler{log: log, cancel: cancel},
		&stubDownloader{log: log},
		&stubTransformer{log: log},
		nil, nil)
	require.NoError(t, err)

	_, err = o.Run(ctx, mayRequest)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"crawl"}, log.calls)
}

func TestNewRequiresStages(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &stubDownloader{}, &stubTransformer{}, nil, nil)
	require.Error(t, err)
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/en/search/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Query().Get("pageNumber") != "1" {
			_, _ = w.Write([]byte("<html><body><ul></ul></body></html>"))
			return
		}
		_, _ = fmt.Fprint(w, `<html><body><ul>
<li class="each-item"><h2 class="title"><a href="/en/cases/2024/may/adj-00000001.html">ADJ-00000001</a></h2>
<span class="date">2/5/2024</span><p class="description">Worker v Employer</p></li>
<li class="each-item"><h2 class="title">ADJ-00000002</h2><span class="date">3/5/2024</span>
<a class="btn btn-primary" href="/docs/adj-00000002.pdf">PDF</a></li>
<li class="each-item"><h2 class="title">ADJ-00000003</h2><span class="date">3/4/2024</span></li>
</ul></body></html>`)
	})
	mux.HandleFunc("/en/cases/2024/may/adj-00000001.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>ADJ-00000001</title></head><body><nav>x</nav><main><p>Upheld.</p></main></body></html>`))
	})
	mux.HandleFunc("/docs/adj-00000002.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := memory.NewMetadataStore()
	landing := memory.NewBlobStore("landing-zone")
	curated := memory.NewBlobStore("curated-zone")
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	limiter := ratelimit.New(ratelimit.Config{})
	policy := retry.NewExponentialPolicy(2, time.Millisecond, time.Millisecond)

	c, err := crawler.New(crawler.Config{BaseURL: srv.URL}, fetcher, limiter, store, policy, nil, nil)
	require.NoError(t, err)
	d, err := downloader.New(downloader.Config{Workers: 2, MaxAttempts: 3, Reconcile: true},
		store, landing, fetcher, limiter, policy, nil, nil)
	require.NoError(t, err)
	tr, err := transformer.New(transformer.Config{Workers: 2}, store, landing, curated, nil, nil, nil)
	require.NoError(t, err)
	o, err := New(c, d, tr, nil, nil)
	require.NoError(t, err)

	summary, err := o.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Discovered())
	assert.Equal(t, 1, summary.Crawl.OutOfRange)
	assert.Equal(t, 2, summary.Downloaded())
	assert.Equal(t, 2, summary.Transformed())
	assert.Zero(t, summary.Failed())

	html, err := curated.Get(context.Background(), "decisions/ADJ-00000001.html")
	require.NoError(t, err)
	assert.Contains(t, string(html), "<body><main><p>Upheld.</p></main></body>")
	pdf, err := curated.Get(context.Background(), "decisions/ADJ-00000002.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(pdf))

	// A second run over the same range finds nothing new to do.
	again, err := o.Run(context.Background(), mayRequest)
	require.NoError(t, err)
	assert.Equal(t, 2, store.CaseCount())
	assert.Zero(t, again.Download.Selected)
	assert.Zero(t, again.Transform.Selected)
}
