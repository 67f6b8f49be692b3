package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/streamvault/streamvault/internal/catalog"
	"github.com/streamvault/streamvault/internal/dialog"
)

// memCatalog is an in-memory Catalog keyed by message id.
type memCatalog struct {
	entries map[int64]catalog.Entry
	failing bool
}

func newMemCatalog() *memCatalog {
	return &memCatalog{entries: make(map[int64]catalog.Entry)}
}

func (m *memCatalog) Save(ctx context.Context, e catalog.Entry) error {
	if m.failing {
		return context.DeadlineExceeded
	}
	e.IsActive = true
	m.entries[e.MessageID] = e
	return nil
}

func (m *memCatalog) ByMessageID(ctx context.Context, messageID int64) (*catalog.Entry, error) {
	e, ok := m.entries[messageID]
	if !ok || !e.IsActive {
		return nil, catalog.ErrNotFound
	}
	return &e, nil
}

func (m *memCatalog) List(ctx context.Context, page, perPage int64) ([]catalog.Entry, error) {
	var out []catalog.Entry
	for _, e := range m.entries {
		if e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memCatalog) Search(ctx context.Context, query string, limit int64) ([]catalog.Entry, error) {
	var out []catalog.Entry
	for _, e := range m.entries {
		if e.IsActive && strings.Contains(e.CustomName, query) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memCatalog) SoftDelete(ctx context.Context, messageID int64) error {
	e, ok := m.entries[messageID]
	if !ok || !e.IsActive {
		return catalog.ErrNotFound
	}
	e.IsActive = false
	m.entries[messageID] = e
	return nil
}

func (m *memCatalog) Stats(ctx context.Context) (int64, int64, error) {
	var count, bytes int64
	for _, e := range m.entries {
		if e.IsActive {
			count++
			bytes += e.FileSize
		}
	}
	return count, bytes, nil
}

type memResponder struct {
	replies []string
}

func (r *memResponder) Reply(ctx context.Context, userID int64, text string) error {
	r.replies = append(r.replies, text)
	return nil
}

func (r *memResponder) lastReply() string {
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

func newTestCommands(t *testing.T) (*Commands, *memCatalog, *memResponder) {
	t.Helper()
	cat := newMemCatalog()
	resp := &memResponder{}
	dialogs := dialog.NewTable(time.Minute)
	t.Cleanup(dialogs.Close)
	return NewCommands(cat, dialogs, resp, "https://vault.example.com", -1001234567890, 500), cat, resp
}

func uploadAndName(t *testing.T, c *Commands, userID int64, name string) {
	t.Helper()
	ctx := context.Background()
	err := c.Handle(ctx, Incoming{UserID: userID, Document: &IncomingFile{
		FileID:       "BAAC123",
		LogMessageID: 900,
		Name:         "original.mkv",
		Size:         100 << 20,
	}})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := c.Handle(ctx, Incoming{UserID: userID, Text: name}); err != nil {
		t.Fatalf("name step: %v", err)
	}
}

func TestUploadNamingDialog(t *testing.T) {
	c, cat, resp := newTestCommands(t)
	uploadAndName(t, c, 7, "Holiday Trip")

	e, err := cat.ByMessageID(context.Background(), 900)
	if err != nil {
		t.Fatalf("entry not indexed: %v", err)
	}
	if e.CustomName != "Holiday Trip" || e.UploadedBy != 7 || e.Source != "direct_upload" {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(resp.lastReply(), "/stream/-1001234567890/900") {
		t.Errorf("confirmation lacks stream link: %q", resp.lastReply())
	}
}

func TestUploadSkipKeepsOriginalName(t *testing.T) {
	c, cat, _ := newTestCommands(t)
	uploadAndName(t, c, 7, "/skip")

	e, err := cat.ByMessageID(context.Background(), 900)
	if err != nil {
		t.Fatalf("entry not indexed: %v", err)
	}
	if e.CustomName != "original.mkv" {
		t.Errorf("CustomName = %q, want the original filename", e.CustomName)
	}
}

func TestUploadTooLarge(t *testing.T) {
	c, cat, resp := newTestCommands(t)
	err := c.Handle(context.Background(), Incoming{UserID: 7, Document: &IncomingFile{
		FileID: "BAAC123", LogMessageID: 901, Size: 600 << 20,
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "too large") {
		t.Errorf("reply = %q", resp.lastReply())
	}
	if len(cat.entries) != 0 {
		t.Error("oversized upload was indexed")
	}
}

func TestTextOutsideDialogGetsHelp(t *testing.T) {
	c, _, resp := newTestCommands(t)
	if err := c.Handle(context.Background(), Incoming{UserID: 7, Text: "hello there"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "/catalog") {
		t.Errorf("reply = %q, want help text", resp.lastReply())
	}
}

func TestDeleteNeedsConfirmation(t *testing.T) {
	c, cat, resp := newTestCommands(t)
	uploadAndName(t, c, 7, "Holiday Trip")
	ctx := context.Background()

	if err := c.Handle(ctx, Incoming{UserID: 7, Text: "/delete 900"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cat.ByMessageID(ctx, 900); err != nil {
		t.Fatal("entry removed before confirmation")
	}

	if err := c.Handle(ctx, Incoming{UserID: 7, Text: "/confirm_delete"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := cat.ByMessageID(ctx, 900); err == nil {
		t.Error("entry survived confirmed delete")
	}
	if !strings.Contains(resp.lastReply(), "removed") {
		t.Errorf("reply = %q", resp.lastReply())
	}
}

func TestConfirmDeleteWithoutPending(t *testing.T) {
	c, _, resp := newTestCommands(t)
	if err := c.Handle(context.Background(), Incoming{UserID: 7, Text: "/confirm_delete"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "Nothing pending") {
		t.Errorf("reply = %q", resp.lastReply())
	}
}

func TestSearchAndStats(t *testing.T) {
	c, _, resp := newTestCommands(t)
	uploadAndName(t, c, 7, "Holiday Trip")
	ctx := context.Background()

	if err := c.Handle(ctx, Incoming{UserID: 7, Text: "/search Holiday"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "Holiday Trip") {
		t.Errorf("search reply = %q", resp.lastReply())
	}

	if err := c.Handle(ctx, Incoming{UserID: 7, Text: "/search nosuchfile"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "Nothing found") {
		t.Errorf("empty search reply = %q", resp.lastReply())
	}

	if err := c.Handle(ctx, Incoming{UserID: 7, Text: "/stats"}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(resp.lastReply(), "1 files indexed") {
		t.Errorf("stats reply = %q", resp.lastReply())
	}
}

func TestCommandArg(t *testing.T) {
	if got := commandArg("/search  Holiday Trip "); got != "Holiday Trip" {
		t.Errorf("commandArg = %q", got)
	}
	if got := commandArg("/stats"); got != "" {
		t.Errorf("commandArg = %q, want empty", got)
	}
}
