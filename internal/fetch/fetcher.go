package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
	"github.com/streamvault/streamvault/internal/telegram"
)

// ChunkSize is the fixed window the remote protocol transfers objects in.
const ChunkSize = 1 << 20

// Fetcher turns a chunk-aligned window of a remote object into raw bytes.
// emit receives each chunk in offset order; returning an error from emit
// aborts the fetch (the consumer stopped) and still releases all held
// sessions. chunkCount <= 0 fetches until EOF.
type Fetcher interface {
	Fetch(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error
}

// PoolFetcher fetches through sessions borrowed from a Pool. CDN redirects
// are served through ephemeral sessions that never enter the pool.
type PoolFetcher struct {
	pool           *telegram.Pool
	dialer         telegram.Dialer
	timeout        time.Duration
	sleepThreshold time.Duration
	log            zerolog.Logger
}

func NewPoolFetcher(pool *telegram.Pool, dialer telegram.Dialer, timeout, sleepThreshold time.Duration) *PoolFetcher {
	return &PoolFetcher{
		pool:           pool,
		dialer:         dialer,
		timeout:        timeout,
		sleepThreshold: sleepThreshold,
		log:            logx.Get("chunk_fetcher"),
	}
}

func (f *PoolFetcher) Fetch(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error {
	session, err := f.pool.Acquire(ctx, loc.DC)
	if err != nil {
		return err
	}
	// Guaranteed on every exit path, including consumer abort.
	defer f.pool.Release(session)
	return fetchWindow(ctx, session, f.dialer, loc, chunkOffset, chunkCount, f.timeout, f.sleepThreshold, f.log, emit)
}

// DirectFetcher opens a dedicated session per fetch instead of borrowing from
// a pool. Useful for one-shot transfers where pooling would only add churn.
type DirectFetcher struct {
	dialer         telegram.Dialer
	home           *tg.Client
	timeout        time.Duration
	sleepThreshold time.Duration
	log            zerolog.Logger
}

func NewDirectFetcher(dialer telegram.Dialer, home *tg.Client, timeout, sleepThreshold time.Duration) *DirectFetcher {
	return &DirectFetcher{
		dialer:         dialer,
		home:           home,
		timeout:        timeout,
		sleepThreshold: sleepThreshold,
		log:            logx.Get("direct_fetcher"),
	}
}

func (f *DirectFetcher) Fetch(ctx context.Context, loc telegram.FileLocation, chunkOffset, chunkCount int64, emit func([]byte) error) error {
	session, err := telegram.Connect(ctx, f.dialer, f.home, loc.DC)
	if err != nil {
		return err
	}
	defer session.Close()
	return fetchWindow(ctx, session, f.dialer, loc, chunkOffset, chunkCount, f.timeout, f.sleepThreshold, f.log, emit)
}

// fetchWindow drives upload.getFile from chunkOffset, yielding up to
// chunkCount chunks. Every request offset is a multiple of ChunkSize.
func fetchWindow(
	ctx context.Context,
	session *telegram.Session,
	dialer telegram.Dialer,
	loc telegram.FileLocation,
	chunkOffset, chunkCount int64,
	timeout, sleepThreshold time.Duration,
	log zerolog.Logger,
	emit func([]byte) error,
) error {
	offset := chunkOffset * ChunkSize
	total := chunkCount
	if total <= 0 {
		total = 1<<31 - 1
	}

	api := session.API()
	var fetched int64
	for {
		var reply tg.UploadFileClass
		err := telegram.Invoke(ctx, timeout, sleepThreshold, func(ctx context.Context) error {
			var ierr error
			reply, ierr = api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
				Location: loc.Input,
				Offset:   offset,
				Limit:    ChunkSize,
			})
			return ierr
		})
		if err != nil {
			return err
		}

		switch r := reply.(type) {
		case *tg.UploadFile:
			chunk := r.Bytes
			if len(chunk) == 0 {
				return nil
			}
			if err := emit(chunk); err != nil {
				return err
			}
			fetched++
			offset += ChunkSize
			if len(chunk) < ChunkSize || fetched >= total {
				return nil
			}

		case *tg.UploadFileCDNRedirect:
			log.Debug().Int("cdn_dc", r.DCID).Int64("offset", offset).Msg("Redirected to CDN delivery DC")
			return fetchCDN(ctx, session, dialer, r, offset, total-fetched, timeout, sleepThreshold, log, emit)

		default:
			return fmt.Errorf("unexpected upload.getFile reply %T", reply)
		}
	}
}
