package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/fetch"
	"github.com/streamvault/streamvault/internal/logx"
	"github.com/streamvault/streamvault/internal/telegram"
)

// Source is everything the gateway needs to stream one resolved file handle.
type Source struct {
	Location telegram.FileLocation
	Size     int64
	Name     string
	MIME     string
}

// ErrNotFound is returned by resolvers when the message does not exist or
// carries no streamable media.
var ErrNotFound = errors.New("message not found or has no media")

// Resolver turns a (chat, message) pair into a streamable source. Resolution
// is repeated mid-stream when the platform reports the handle stale.
type Resolver interface {
	Resolve(ctx context.Context, chatID, messageID int64) (*Source, error)
}

const (
	// maxConsecutiveFailures aborts the stream after this many transient
	// failures in a row without forward progress.
	maxConsecutiveFailures = 6
	backoffCap             = 30 * time.Second
)

// Gateway converts HTTP byte-range requests into chunk-aligned fetch plans
// and streams the result, recovering from mid-stream protocol errors. Once
// the 206 status line is out, failures can only truncate, never re-status.
type Gateway struct {
	resolver Resolver
	fetcher  fetch.Fetcher
	ready    func() bool

	// sleep is injectable so backoff tests run instantly
	sleep func(ctx context.Context, d time.Duration) error

	log zerolog.Logger
}

func NewGateway(resolver Resolver, fetcher fetch.Fetcher, ready func() bool) *Gateway {
	return &Gateway{
		resolver: resolver,
		fetcher:  fetcher,
		ready:    ready,
		sleep:    sleepCtx,
		log:      logx.Get("stream_gateway"),
	}
}

func (g *Gateway) Register(r chi.Router) {
	r.Get("/stream/{chatID}/{messageID}", g.handleStream)
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID, err1 := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	messageID, err2 := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid chat or message id")
		return
	}

	if g.ready != nil && !g.ready() {
		writeJSONError(w, http.StatusServiceUnavailable, "platform connection not established")
		return
	}

	ctx := r.Context()
	streamID := uuid.NewString()
	log := g.log.With().Str("stream_id", streamID).Int64("chat_id", chatID).Int64("message_id", messageID).Logger()

	src, err := g.resolver.Resolve(ctx, chatID, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Msg("Message not found or has no media")
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		log.Error().Err(err).Msg("Handle resolution failed")
		writeJSONError(w, http.StatusBadRequest, "meta fetch failed")
		return
	}

	rng, ok := ParseRange(r.Header.Get("Range"), src.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", src.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		streamOutcomes.WithLabelValues("unsatisfiable").Inc()
		return
	}

	mime := src.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	// Headers go out exactly once; everything after this point is body
	// bytes, so later failures can only truncate the stream.
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, src.Size))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", src.Name))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusPartialContent)

	log.Info().
		Str("range", r.Header.Get("Range")).
		Int64("start", rng.Start).Int64("end", rng.End).Int64("size", src.Size).
		Msg("Stream started")

	g.streamBody(ctx, w, log, src, chatID, messageID, rng)
}

// streamState is the per-request mutable position, owned exclusively by the
// request that created it.
type streamState struct {
	offset   int64
	left     int64
	failures int
}

var errClientGone = errors.New("client went away")

// streamBody runs the FETCHING/BACKOFF/REFRESHING loop until the window is
// exhausted or the stream is declared failed.
func (g *Gateway) streamBody(ctx context.Context, w http.ResponseWriter, log zerolog.Logger, src *Source, chatID, messageID int64, rng ByteRange) {
	flusher, _ := w.(http.Flusher)
	st := streamState{offset: rng.Start, left: rng.Length()}

	for st.left > 0 {
		win := PlanWindow(st.offset, st.left)
		log.Debug().
			Int64("byte_offset", st.offset).
			Int64("chunk_offset", win.ChunkOffset).
			Int64("leading_skip", win.LeadingSkip).
			Int64("chunks_needed", win.Chunks).
			Int64("bytes_left", st.left).
			Msg("Driving chunk fetch")

		skip := win.LeadingSkip
		err := g.fetcher.Fetch(ctx, src.Location, win.ChunkOffset, win.Chunks, func(chunk []byte) error {
			if skip > 0 {
				if int64(len(chunk)) <= skip {
					skip -= int64(len(chunk))
					return nil
				}
				chunk = chunk[skip:]
				skip = 0
			}
			if int64(len(chunk)) > st.left {
				chunk = chunk[:st.left]
			}
			if len(chunk) == 0 {
				return nil
			}
			if _, werr := w.Write(chunk); werr != nil {
				return fmt.Errorf("%w: %v", errClientGone, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			st.offset += int64(len(chunk))
			st.left -= int64(len(chunk))
			bytesStreamed.Add(float64(len(chunk)))
			return nil
		})

		switch {
		case err == nil && st.left == 0:
			log.Info().Msg("Stream finished")
			streamOutcomes.WithLabelValues("done").Inc()
			return

		case errors.Is(err, errClientGone) || ctx.Err() != nil:
			log.Debug().Msg("Client disconnected")
			streamOutcomes.WithLabelValues("client_gone").Inc()
			return

		case telegram.IsRefreshable(err):
			// Stale file reference or rejected offset: re-resolve and
			// resume from the current position, not the original start.
			log.Warn().Err(err).Int64("byte_offset", st.offset).Msg("File handle stale, refreshing")
			streamRetries.WithLabelValues("refresh").Inc()
			fresh, rerr := g.resolver.Resolve(ctx, chatID, messageID)
			if rerr != nil {
				log.Error().Err(rerr).Msg("Re-resolution failed, aborting stream")
				streamOutcomes.WithLabelValues("failed").Inc()
				return
			}
			src = fresh
			st.failures = 0

		default:
			var wait time.Duration
			if rl, ok := telegram.AsRateLimited(err); ok {
				// Server-imposed wait: obey it, then retry the same
				// position. Not counted as a failure.
				log.Warn().Dur("wait", rl).Msg("Rate limited mid-stream")
				streamRetries.WithLabelValues("rate_limit").Inc()
				wait = rl
			} else if err == nil || telegram.IsTransient(err) {
				// err == nil with bytes left means the remote stream
				// ended early; treat like a timeout.
				st.failures++
				if st.failures > maxConsecutiveFailures {
					log.Error().Err(err).Int("failures", st.failures).Msg("Stream failed after repeated transient errors")
					streamOutcomes.WithLabelValues("failed").Inc()
					return
				}
				wait = backoffDelay(st.failures)
				log.Warn().Err(err).Int("attempt", st.failures).Dur("backoff", wait).Msg("Transient fetch error, backing off")
				streamRetries.WithLabelValues("backoff").Inc()
			} else {
				// Integrity failures, permanent not-found, auth errors:
				// content can no longer be trusted or retrieved.
				log.Error().Err(err).Msg("Stream broken")
				streamOutcomes.WithLabelValues("failed").Inc()
				return
			}
			if serr := g.sleep(ctx, wait); serr != nil {
				streamOutcomes.WithLabelValues("client_gone").Inc()
				return
			}
		}
	}
	log.Info().Msg("Stream finished")
	streamOutcomes.WithLabelValues("done").Inc()
}

// backoffDelay is 1,2,4,8,16,30,30... seconds for failure n=1,2,...
func backoffDelay(failures int) time.Duration {
	d := time.Duration(1<<(failures-1)) * time.Second
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
