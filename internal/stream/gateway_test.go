package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/streamvault/streamvault/internal/fetch"
	"github.com/streamvault/streamvault/internal/telegram"
)

const mib = fetch.ChunkSize

// testBody returns a deterministic byte pattern so truncation and offset bugs
// show up as content mismatches, not just length mismatches.
func testBody(size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type fakeResolver struct {
	src      *Source
	err      error
	resolves int
}

func (r *fakeResolver) Resolve(ctx context.Context, chatID, messageID int64) (*Source, error) {
	r.resolves++
	if r.err != nil {
		return nil, r.err
	}
	return r.src, nil
}

// fakeFetcher serves chunk windows out of an in-memory body. Each call
// consults fail(call#) for a scripted error before any bytes are emitted.
type fakeFetcher struct {
	body  []byte
	calls []int64 // chunkOffset of every Fetch call
	fail  func(call int) error
}

func (f *fakeFetcher) Fetch(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error {
	call := len(f.calls)
	f.calls = append(f.calls, chunkOffset)
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return err
		}
	}
	off := chunkOffset * mib
	for n := int64(0); chunkCount <= 0 || n < chunkCount; n++ {
		if off >= int64(len(f.body)) {
			return nil
		}
		end := off + mib
		if end > int64(len(f.body)) {
			end = int64(len(f.body))
		}
		if err := emit(f.body[off:end]); err != nil {
			return err
		}
		if end-off < mib {
			return nil
		}
		off = end
	}
	return nil
}

func newTestGateway(t *testing.T, resolver Resolver, fetcher fetch.Fetcher) (*Gateway, *[]time.Duration) {
	t.Helper()
	g := NewGateway(resolver, fetcher, func() bool { return true })
	var sleeps []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return g, &sleeps
}

func serve(g *Gateway, target, rangeHeader string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	g.Register(r)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func mediaSource(size int64) *Source {
	return &Source{
		Location: telegram.DocumentLocation(2, 42, 7, []byte{1}),
		Size:     size,
		Name:     "movie.mkv",
		MIME:     "video/x-matroska",
	}
}

func TestGatewayFullFile(t *testing.T) {
	body := testBody(3*mib + 500)
	fetcher := &fakeFetcher{body: body}
	g, _ := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)

	rec := serve(g, "/stream/123/456", "")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes 0-%d/%d", len(body)-1, len(body)) {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/x-matroska" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != fmt.Sprint(len(body)) {
		t.Errorf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Fatalf("body mismatch: got %d bytes, want %d", rec.Body.Len(), len(body))
	}
}

func TestGatewayMidChunkRange(t *testing.T) {
	body := testBody(3 * mib)
	fetcher := &fakeFetcher{body: body}
	g, _ := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)

	// Starts inside chunk 1, ends inside chunk 2.
	start, end := int64(1500000), int64(2500000)
	rec := serve(g, "/stream/123/456", fmt.Sprintf("bytes=%d-%d", start, end))
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)) {
		t.Errorf("Content-Range = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), body[start:end+1]) {
		t.Fatalf("body mismatch: got %d bytes, want %d", rec.Body.Len(), end-start+1)
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != start/mib {
		t.Errorf("fetch calls = %v, want one at chunk %d", fetcher.calls, start/mib)
	}
}

func TestGatewayUnsatisfiableRange(t *testing.T) {
	body := testBody(mib)
	g, _ := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, &fakeFetcher{body: body})

	rec := serve(g, "/stream/123/456", fmt.Sprintf("bytes=%d-", len(body)))
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != fmt.Sprintf("bytes */%d", len(body)) {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("416 response carried %d body bytes", rec.Body.Len())
	}
}

func TestGatewayNotFound(t *testing.T) {
	g, _ := newTestGateway(t, &fakeResolver{err: ErrNotFound}, &fakeFetcher{})
	if rec := serve(g, "/stream/123/456", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGatewayBadIDs(t *testing.T) {
	g, _ := newTestGateway(t, &fakeResolver{}, &fakeFetcher{})
	if rec := serve(g, "/stream/abc/456", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGatewayNotReady(t *testing.T) {
	g := NewGateway(&fakeResolver{}, &fakeFetcher{}, func() bool { return false })
	r := chi.NewRouter()
	g.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/1/2", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGatewayBackoffSequence(t *testing.T) {
	body := testBody(mib)
	fetcher := &fakeFetcher{
		body: body,
		fail: func(call int) error { return context.DeadlineExceeded },
	}
	g, sleeps := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)

	rec := serve(g, "/stream/123/456", "")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206 before the failures", rec.Code)
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second,
	}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("sleep %d = %s, want %s", i, (*sleeps)[i], d)
		}
	}
	// Six backoffs plus the aborting seventh attempt.
	if len(fetcher.calls) != 7 {
		t.Errorf("fetch attempts = %d, want 7", len(fetcher.calls))
	}
	if rec.Body.Len() != 0 {
		t.Errorf("failed stream wrote %d body bytes", rec.Body.Len())
	}
}

func TestGatewayRecoversAfterTransientErrors(t *testing.T) {
	body := testBody(2 * mib)
	fetcher := &fakeFetcher{
		body: body,
		fail: func(call int) error {
			if call < 3 {
				return io.ErrUnexpectedEOF
			}
			return nil
		},
	}
	g, sleeps := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)

	rec := serve(g, "/stream/123/456", "")
	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Fatalf("body mismatch after recovery: got %d bytes", rec.Body.Len())
	}
	if len(*sleeps) != 3 {
		t.Errorf("sleeps = %v, want three backoffs", *sleeps)
	}
}

func TestGatewayRateLimitNotCountedAsFailure(t *testing.T) {
	body := testBody(mib)
	wait := 90 * time.Second
	fetcher := &fakeFetcher{
		body: body,
		fail: func(call int) error {
			if call == 0 {
				return &telegram.RateLimited{Wait: wait}
			}
			return nil
		},
	}
	g, sleeps := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)

	rec := serve(g, "/stream/123/456", "")
	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Fatalf("body mismatch after rate limit: got %d bytes", rec.Body.Len())
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != wait {
		t.Errorf("sleeps = %v, want exactly [%s]", *sleeps, wait)
	}
}

// A stale file reference mid-stream re-resolves the handle and resumes from
// the position already reached, not the start of the range.
func TestGatewayStaleReferenceResumes(t *testing.T) {
	body := testBody(3 * mib)
	resolver := &fakeResolver{src: mediaSource(int64(len(body)))}

	fetcher := &fakeFetcher{body: body}
	firstCall := true

	// Emit one full chunk then report the reference stale.
	breakAfterChunk := func(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error {
		if firstCall {
			firstCall = false
			fetcher.calls = append(fetcher.calls, chunkOffset)
			if err := emit(body[:mib]); err != nil {
				return err
			}
			return fmt.Errorf("%w: FILE_REFERENCE_EXPIRED", telegram.ErrStaleReference)
		}
		return fetcher.Fetch(ctx, loc, chunkOffset, chunkCount, emit)
	}

	g, sleeps := newTestGateway(t, resolver, fetcherFunc(breakAfterChunk))
	rec := serve(g, "/stream/123/456", "")

	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Fatalf("body mismatch after refresh: got %d bytes, want %d", rec.Body.Len(), len(body))
	}
	// One resolve for the request, one for the refresh.
	if resolver.resolves != 2 {
		t.Errorf("resolves = %d, want 2", resolver.resolves)
	}
	// The post-refresh fetch resumes at chunk 1, where the stream stopped.
	if len(fetcher.calls) != 2 || fetcher.calls[1] != 1 {
		t.Errorf("fetch chunk offsets = %v, want [0 1]", fetcher.calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("refresh slept %v, want no backoff", *sleeps)
	}
}

// Integrity and permanent errors abort without retrying.
func TestGatewayFatalErrorsAbort(t *testing.T) {
	fatal := []error{
		&telegram.IntegrityError{Offset: 0, Segment: 1},
		telegram.ErrPermanentNotFound,
		&telegram.AuthError{DC: 2, Err: errors.New("AUTH_KEY_INVALID")},
	}
	for _, ferr := range fatal {
		body := testBody(mib)
		fetcher := &fakeFetcher{body: body, fail: func(call int) error { return ferr }}
		g, sleeps := newTestGateway(t, &fakeResolver{src: mediaSource(int64(len(body)))}, fetcher)
		rec := serve(g, "/stream/123/456", "")
		if len(fetcher.calls) != 1 {
			t.Errorf("%v: fetch attempts = %d, want 1", ferr, len(fetcher.calls))
		}
		if len(*sleeps) != 0 {
			t.Errorf("%v: slept %v, want no backoff", ferr, *sleeps)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("%v: wrote %d body bytes", ferr, rec.Body.Len())
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	want := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		5: 16 * time.Second,
		6: 30 * time.Second,
		9: 30 * time.Second,
	}
	for n, d := range want {
		if got := backoffDelay(n); got != d {
			t.Errorf("backoffDelay(%d) = %s, want %s", n, got, d)
		}
	}
}

// fetcherFunc adapts a function to the fetch.Fetcher interface.
type fetcherFunc func(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error

func (f fetcherFunc) Fetch(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error {
	return f(ctx, loc, chunkOffset, chunkCount, emit)
}
