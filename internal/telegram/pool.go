package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
)

// maxIdlePerDC caps how many idle sessions are retained per DC. Three is
// plenty for streaming while keeping memory bounded if many DCs get touched.
const maxIdlePerDC = 3

// Pool amortizes DC handshakes and cross-DC authorization exchange by
// retaining idle sessions per DC. Sessions handed out by Acquire are owned
// exclusively by the caller until Release.
type Pool struct {
	dialer Dialer
	home   *tg.Client

	mu   sync.Mutex
	idle map[int][]*Session

	log zerolog.Logger
}

func NewPool(dialer Dialer, home *tg.Client) *Pool {
	return &Pool{
		dialer: dialer,
		home:   home,
		idle:   make(map[int][]*Session),
		log:    logx.Get("session_pool"),
	}
}

// Acquire returns an idle session for dc or constructs a new one. Session
// construction (handshake, authorization exchange) runs outside the mutex so
// a slow handshake never blocks unrelated acquisitions; two concurrent misses
// may both construct sessions for the same DC; both end up pooled or retired
// independently.
func (p *Pool) Acquire(ctx context.Context, dc int) (*Session, error) {
	p.mu.Lock()
	if list := p.idle[dc]; len(list) > 0 {
		s := list[len(list)-1]
		p.idle[dc] = list[:len(list)-1]
		p.mu.Unlock()
		p.log.Debug().Int("dc", dc).Msg("Reusing pooled session")
		return s, nil
	}
	p.mu.Unlock()

	p.log.Info().Int("dc", dc).Msg("Pool miss, creating new session")
	return Connect(ctx, p.dialer, p.home, dc)
}

// Release returns s to the pool, or closes it when the per-DC cap is already
// met. The caller must not use s afterward.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if len(p.idle[s.DC]) < maxIdlePerDC {
		p.idle[s.DC] = append(p.idle[s.DC], s)
		p.mu.Unlock()
		p.log.Debug().Int("dc", s.DC).Msg("Session returned to pool")
		return
	}
	p.mu.Unlock()
	p.log.Debug().Int("dc", s.DC).Msg("Pool full, stopping session")
	if err := s.Close(); err != nil {
		p.log.Warn().Err(err).Int("dc", s.DC).Msg("Error closing surplus session")
	}
}

// Warm eagerly creates n home-DC sessions so first requests skip the
// handshake. Failures are logged, not fatal.
func (p *Pool) Warm(ctx context.Context, n int) {
	dc := p.dialer.HomeDC()
	sessions := make([]*Session, 0, n)
	for i := range n {
		s, err := Connect(ctx, p.dialer, p.home, dc)
		if err != nil {
			p.log.Error().Err(err).Int("dc", dc).Msgf("Failed to warm session %d/%d", i+1, n)
			continue
		}
		sessions = append(sessions, s)
		p.log.Info().Int("dc", dc).Msgf("Pooled session %d/%d ready", i+1, n)
	}
	for _, s := range sessions {
		p.Release(s)
	}
}

// Close drains and closes every idle session. Sessions currently held by
// fetches are closed by their holders via Release after the cap check.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[int][]*Session)
	p.mu.Unlock()
	for dc, list := range idle {
		for _, s := range list {
			if err := s.Close(); err != nil {
				p.log.Warn().Err(err).Int("dc", dc).Msg("Error closing pooled session")
			}
		}
	}
}

// IdleCount reports the number of retained idle sessions for dc.
func (p *Pool) IdleCount(dc int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[dc])
}
