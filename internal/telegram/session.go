package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// Conn is a single authenticated MTProto channel to one DC. Connections are
// not safe for concurrent use by two fetches; Session ownership enforces that.
type Conn interface {
	tg.Invoker
	Close() error
}

// Dialer opens connections to DCs. The production implementation adapts a
// gotd client; tests substitute fakes.
type Dialer interface {
	// HomeDC is the DC the held bot authorization belongs to.
	HomeDC() int
	// Dial opens a media connection to the given DC. For the home DC the
	// connection rides the already-held credential; for any other DC it
	// carries a freshly created auth key that still needs an imported
	// authorization before RPCs work.
	Dial(ctx context.Context, dc int) (Conn, error)
	// DialCDN opens a connection to a CDN delivery DC.
	DialCDN(ctx context.Context, dc int) (Conn, error)
}

// Session is an exclusive handle on one DC connection. It is created by the
// pool (or as an ephemeral CDN session), used by exactly one fetch at a time,
// and either returned to the pool or closed.
type Session struct {
	DC     int
	conn   Conn
	api    *tg.Client
	closed bool
}

func newSession(dc int, conn Conn) *Session {
	return &Session{DC: dc, conn: conn, api: tg.NewClient(conn)}
}

// API exposes the typed RPC surface of this session.
func (s *Session) API() *tg.Client { return s.api }

func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Invoke runs one RPC attempt under the per-call timeout, sleeping through
// flood waits at or below sleepThreshold and retrying the same call. Waits
// above the threshold surface as RateLimited. RPC error codes are mapped into
// the local taxonomy.
func Invoke(ctx context.Context, timeout, sleepThreshold time.Duration, call func(ctx context.Context) error) error {
	for {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := call(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if wait, ok := tgerr.AsFloodWait(err); ok {
			if wait <= sleepThreshold {
				if serr := sleepCtx(ctx, wait); serr != nil {
					return serr
				}
				continue
			}
			return &RateLimited{Wait: wait}
		}
		return mapRPCError(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect builds an authorized session for dc. Non-home DCs get the home
// authorization exported and imported into the fresh connection; a failed
// import closes the connection and reports AuthError.
func Connect(ctx context.Context, d Dialer, home *tg.Client, dc int) (*Session, error) {
	conn, err := d.Dial(ctx, dc)
	if err != nil {
		return nil, fmt.Errorf("error dialing DC %d: %w", dc, err)
	}
	s := newSession(dc, conn)
	if dc == d.HomeDC() {
		return s, nil
	}

	exported, err := home.AuthExportAuthorization(ctx, dc)
	if err != nil {
		_ = s.Close()
		return nil, &AuthError{DC: dc, Err: fmt.Errorf("export authorization: %w", err)}
	}
	_, err = s.api.AuthImportAuthorization(ctx, &tg.AuthImportAuthorizationRequest{
		ID:    exported.ID,
		Bytes: exported.Bytes,
	})
	if err != nil {
		_ = s.Close()
		return nil, &AuthError{DC: dc, Err: fmt.Errorf("import authorization: %w", err)}
	}
	return s, nil
}

// ConnectCDN opens an ephemeral session to a CDN delivery DC. CDN sessions
// are never pooled; the caller closes them when the fetch ends.
func ConnectCDN(ctx context.Context, d Dialer, dc int) (*Session, error) {
	conn, err := d.DialCDN(ctx, dc)
	if err != nil {
		return nil, fmt.Errorf("error dialing CDN DC %d: %w", dc, err)
	}
	return newSession(dc, conn), nil
}
