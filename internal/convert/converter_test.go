package convert_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/readability-server/internal/convert"
	"github.com/JakeFAU/readability-server/internal/dispatcher"
	"github.com/JakeFAU/readability-server/internal/dispatcher/dispatchertest"
	"github.com/JakeFAU/readability-server/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/readability-server/internal/publisher/memory"
	"github.com/JakeFAU/readability-server/internal/readability"
	"github.com/JakeFAU/readability-server/internal/storage/memory"
)

const paragraph = "The harbor was quiet that morning, with the fishing boats tied up along the eastern wall, " +
	"and the gulls circling slowly over the water while the town waited for the tide to turn again."

var articlePage = `<html><head><title>The Quiet Harbor - Example News</title></head><body>
<div class="article-body"><h1>The Quiet Harbor</h1>` + strings.Repeat("<p>"+paragraph+"</p>", 4) + `</div>
</body></html>`

type fakeFetcher struct {
	calls atomic.Int32
	resp  convert.FetchResponse
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (convert.FetchResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return convert.FetchResponse{}, f.err
	}
	resp := f.resp
	if resp.URL == "" {
		resp.URL = url
	}
	return resp, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sequenceIDs struct{ n atomic.Int32 }

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("conv-%d", s.n.Add(1)), nil
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type harness struct {
	fetcher   *fakeFetcher
	blobs     *memory.BlobStore
	log       *memory.ConversionLog
	publisher *pubmemory.Publisher
	conv      *convert.Converter
}

func newHarness(t *testing.T, handler func(context.Context, []json.RawMessage) (any, error), cfg convert.Config) *harness {
	t.Helper()
	h := &harness{
		fetcher:   &fakeFetcher{resp: convert.FetchResponse{StatusCode: 200, Body: []byte(articlePage), Duration: 12 * time.Millisecond}},
		blobs:     memory.NewBlobStore(),
		log:       memory.NewConversionLog(),
		publisher: pubmemory.New(),
	}
	pool := dispatchertest.NewPool(t, handler, dispatcher.Config{Size: 2})
	conv, err := convert.New(
		h.fetcher,
		pool,
		h.blobs,
		h.log,
		h.publisher,
		sha256.New(),
		fixedClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		&sequenceIDs{},
		cfg,
		zaptest.NewLogger(t),
	)
	require.NoError(t, err)
	h.conv = conv
	return h
}

func TestConvertExtractsArchivesRecordsAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{BlobPrefix: "/pages/", Topic: "conversions"})
	conv, err := h.conv.Convert(context.Background(), convert.Request{URL: " https://example.com/news/harbor "})
	require.NoError(t, err)

	require.Equal(t, "conv-1", conv.ID)
	require.Equal(t, "https://example.com/news/harbor", conv.URL)
	require.Equal(t, "The Quiet Harbor", conv.Article.Title)
	require.Contains(t, conv.Article.Text, paragraph)
	require.Len(t, conv.ContentHash, 64)
	require.Equal(t, "memory://pages/"+conv.ContentHash+".html", conv.BlobURI)
	require.Equal(t, 12*time.Millisecond, conv.FetchTime)

	obj, ok := h.blobs.Get("pages/" + conv.ContentHash + ".html")
	require.True(t, ok)
	require.Equal(t, "text/html; charset=utf-8", obj.ContentType)
	require.Equal(t, articlePage, string(obj.Data))

	record, ok := h.log.Get("conv-1")
	require.True(t, ok)
	require.Equal(t, convert.OutcomeConverted, record.Outcome)
	require.Equal(t, 200, record.StatusCode)
	require.Equal(t, "The Quiet Harbor", record.Title)
	require.Equal(t, conv.Article.Length, record.TextLength)
	require.Empty(t, record.Error)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "conversions", msgs[0].Topic)
	event, ok := msgs[0].Payload.(convert.Event)
	require.True(t, ok)
	require.Equal(t, "conv-1", event.ID)
	require.Equal(t, conv.BlobURI, event.BlobURI)
	require.Equal(t, "2026-01-02T03:04:05Z", event.Timestamp)
}

func TestConvertRejectsBadURLsBeforeFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{})
	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "  "})
	require.ErrorIs(t, err, convert.ErrMissingURL)

	for _, raw := range []string{"ftp://example.com/file", "/relative/path", "https://", "http://%zz"} {
		_, err = h.conv.Convert(context.Background(), convert.Request{URL: raw})
		require.ErrorIs(t, err, convert.ErrInvalidURL, raw)
	}
	require.Zero(t, h.fetcher.calls.Load())
	require.Empty(t, h.log.Records())
}

func TestConvertRefusesBlockedDomains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{BlockedDomains: []string{"*.internal", "evil.example"}})
	for _, raw := range []string{"http://metadata.internal/computeMetadata", "https://EVIL.example/page"} {
		_, err := h.conv.Convert(context.Background(), convert.Request{URL: raw})
		require.ErrorIs(t, err, convert.ErrBlockedDomain, raw)
	}
	require.Zero(t, h.fetcher.calls.Load())
	require.Empty(t, h.log.Records())

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://good.example/news/harbor"})
	require.NoError(t, err)
}

func TestConvertNoContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{Topic: "conversions"})
	h.fetcher.resp.Body = []byte("<html><body><p>Too short.</p></body></html>")

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://example.com/short"})
	require.ErrorIs(t, err, convert.ErrNoContent)

	records := h.log.Records()
	require.Len(t, records, 1)
	require.Equal(t, convert.OutcomeEmpty, records[0].Outcome)
	require.NotEmpty(t, records[0].BlobURI)
	require.Empty(t, h.publisher.Messages())
}

func TestConvertForceSkipsReaderableCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{})
	h.fetcher.resp.Body = []byte("<html><head><title>Note</title></head><body><div><p>One short note.</p></div></body></html>")

	conv, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://example.com/note", Force: true})
	require.NoError(t, err)
	require.Contains(t, conv.Article.Text, "One short note.")

	record, ok := h.log.Get(conv.ID)
	require.True(t, ok)
	require.True(t, record.Forced)
}

func TestConvertUpstreamTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{})
	h.fetcher.err = fmt.Errorf("colly: %w", convert.ErrUpstreamTimeout)

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://slow.example.com/"})
	require.ErrorIs(t, err, convert.ErrUpstreamTimeout)

	records := h.log.Records()
	require.Len(t, records, 1)
	require.Equal(t, convert.OutcomeUpstreamTimeout, records[0].Outcome)
	require.Empty(t, records[0].ContentHash)
}

func TestConvertFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, readability.Handle, convert.Config{})
	h.fetcher.err = errors.New("connection refused")

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://down.example.com/"})
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, convert.OutcomeFetchFailed, h.log.Records()[0].Outcome)
}

func TestConvertParseTimeout(t *testing.T) {
	t.Parallel()

	hang := func(ctx context.Context, _ []json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, hang, convert.Config{TaskTimeout: 30 * time.Millisecond})

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://example.com/huge"})
	require.ErrorIs(t, err, dispatcher.ErrTimeout)
	require.Equal(t, convert.OutcomeParseTimeout, h.log.Records()[0].Outcome)
}

func TestConvertHandlerFailure(t *testing.T) {
	t.Parallel()

	broken := func(context.Context, []json.RawMessage) (any, error) {
		return nil, errors.New("parser exploded")
	}
	h := newHarness(t, broken, convert.Config{})

	_, err := h.conv.Convert(context.Background(), convert.Request{URL: "https://example.com/"})
	var handlerErr *dispatcher.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Equal(t, convert.OutcomeFailed, h.log.Records()[0].Outcome)
	require.Contains(t, h.log.Records()[0].Error, "parser exploded")
}

func TestConvertSideEffectFailuresDoNotFailConversion(t *testing.T) {
	t.Parallel()

	pool := dispatchertest.NewPool(t, readability.Handle, dispatcher.Config{Size: 1})
	publisher := pubmemory.New()
	publisher.FailWith(errors.New("broker down"))
	fetcher := &fakeFetcher{resp: convert.FetchResponse{StatusCode: 200, Body: []byte(articlePage)}}

	conv, err := convert.New(fetcher, pool, failingBlobStore{}, nil, publisher, sha256.New(),
		fixedClock{now: time.Now()}, &sequenceIDs{}, convert.Config{Topic: "conversions"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	got, err := conv.Convert(context.Background(), convert.Request{URL: "https://example.com/news/harbor"})
	require.NoError(t, err)
	require.Empty(t, got.BlobURI)
	require.NotEmpty(t, got.ContentHash)
	require.Equal(t, "The Quiet Harbor", got.Article.Title)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	pool := dispatchertest.NewPool(t, readability.Handle, dispatcher.Config{Size: 1})
	_, err := convert.New(nil, pool, nil, nil, nil, sha256.New(), fixedClock{}, &sequenceIDs{}, convert.Config{}, nil)
	require.Error(t, err)
	_, err = convert.New(&fakeFetcher{}, nil, nil, nil, nil, sha256.New(), fixedClock{}, &sequenceIDs{}, convert.Config{}, nil)
	require.Error(t, err)
}

func TestIsUnavailable(t *testing.T) {
	t.Parallel()

	require.True(t, convert.IsUnavailable(fmt.Errorf("submit: %w", dispatcher.ErrQueueFull)))
	require.True(t, convert.IsUnavailable(dispatcher.ErrNoWorkers))
	require.True(t, convert.IsUnavailable(dispatcher.ErrShutdown))
	require.False(t, convert.IsUnavailable(dispatcher.ErrTimeout))
	require.False(t, convert.IsUnavailable(errors.New("other")))
}
