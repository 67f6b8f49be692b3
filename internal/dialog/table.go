package dialog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
)

// State of a multi-step conversation with one user.
type State int

const (
	StateAwaitingFile State = iota
	StateAwaitingName
	StateConfirmingDelete
)

func (s State) String() string {
	switch s {
	case StateAwaitingFile:
		return "awaiting_file"
	case StateAwaitingName:
		return "awaiting_name"
	case StateConfirmingDelete:
		return "confirming_delete"
	}
	return "unknown"
}

// Conversation is one in-flight dialog. Data carries the step-to-step
// payload (pending file id, chosen name, delete target).
type Conversation struct {
	ID      string
	UserID  int64
	State   State
	Data    map[string]string
	expires time.Time
}

// Table is a finite conversation store with explicit expiry. It replaces an
// unbounded process-global map: every conversation has an id and a deadline,
// and a janitor sweeps expired ones out.
type Table struct {
	mu     sync.Mutex
	ttl    time.Duration
	byUser map[int64]*Conversation
	stop   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func NewTable(ttl time.Duration) *Table {
	t := &Table{
		ttl:    ttl,
		byUser: make(map[int64]*Conversation),
		stop:   make(chan struct{}),
		log:    logx.Get("dialog"),
	}
	go t.janitor()
	return t
}

// Begin starts (or restarts) the user's conversation in the given state.
func (t *Table) Begin(userID int64, state State) *Conversation {
	c := &Conversation{
		ID:      uuid.NewString(),
		UserID:  userID,
		State:   state,
		Data:    make(map[string]string),
		expires: time.Now().Add(t.ttl),
	}
	t.mu.Lock()
	t.byUser[userID] = c
	t.mu.Unlock()
	t.log.Debug().Int64("user_id", userID).Str("dialog_id", c.ID).Str("state", state.String()).Msg("Dialog started")
	return c
}

// Get returns the user's live conversation. Expired conversations are
// dropped on access and reported as absent.
func (t *Table) Get(userID int64) (*Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	if !ok {
		return nil, false
	}
	if time.Now().After(c.expires) {
		delete(t.byUser, userID)
		return nil, false
	}
	return c, true
}

// Advance moves the user's conversation to the next state and renews its
// deadline. Returns false when there is no live conversation.
func (t *Table) Advance(userID int64, state State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	if !ok || time.Now().After(c.expires) {
		delete(t.byUser, userID)
		return false
	}
	c.State = state
	c.expires = time.Now().Add(t.ttl)
	return true
}

// End terminates the user's conversation.
func (t *Table) End(userID int64) {
	t.mu.Lock()
	delete(t.byUser, userID)
	t.mu.Unlock()
}

// Len reports live (non-expired) conversations.
func (t *Table) Len() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.byUser {
		if !now.After(c.expires) {
			n++
		}
	}
	return n
}

func (t *Table) Close() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Table) janitor() {
	interval := t.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for id, c := range t.byUser {
				if now.After(c.expires) {
					delete(t.byUser, id)
				}
			}
			t.mu.Unlock()
		}
	}
}
