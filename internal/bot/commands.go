package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/catalog"
	"github.com/streamvault/streamvault/internal/dialog"
	"github.com/streamvault/streamvault/internal/logx"
)

// Catalog is the slice of the catalog store the command surface needs.
type Catalog interface {
	Save(ctx context.Context, e catalog.Entry) error
	ByMessageID(ctx context.Context, messageID int64) (*catalog.Entry, error)
	List(ctx context.Context, page, perPage int64) ([]catalog.Entry, error)
	Search(ctx context.Context, query string, limit int64) ([]catalog.Entry, error)
	SoftDelete(ctx context.Context, messageID int64) error
	Stats(ctx context.Context) (int64, int64, error)
}

// Responder sends a text reply back to the user. The transport adapter
// owns formatting quirks of the chat platform.
type Responder interface {
	Reply(ctx context.Context, userID int64, text string) error
}

// IncomingFile describes a document the transport already copied into the
// log channel; LogMessageID addresses that copy.
type IncomingFile struct {
	FileID       string
	LogMessageID int64
	Name         string
	Size         int64
	MIME         string
}

// Incoming is one normalized update from the chat transport.
type Incoming struct {
	UserID   int64
	Text     string
	Document *IncomingFile
}

// Commands implements the chat command surface: indexing uploads with a
// naming dialog, catalog listing, search, and soft deletes.
type Commands struct {
	catalog     Catalog
	dialogs     *dialog.Table
	responder   Responder
	baseURL     string
	channelID   int64
	maxFileSize int64
	log         zerolog.Logger
}

func NewCommands(cat Catalog, dialogs *dialog.Table, responder Responder, baseURL string, channelID int64, maxFileSizeMB int) *Commands {
	return &Commands{
		catalog:     cat,
		dialogs:     dialogs,
		responder:   responder,
		baseURL:     baseURL,
		channelID:   channelID,
		maxFileSize: int64(maxFileSizeMB) << 20,
		log:         logx.Get("bot_commands"),
	}
}

// Handle routes one update. Commands win over dialog steps so a user can
// always escape a stuck flow with a fresh command.
func (c *Commands) Handle(ctx context.Context, in Incoming) error {
	switch {
	case in.Document != nil:
		return c.handleUpload(ctx, in)
	case strings.HasPrefix(in.Text, "/start"), strings.HasPrefix(in.Text, "/help"):
		return c.reply(ctx, in.UserID, helpText)
	case strings.HasPrefix(in.Text, "/catalog"):
		return c.handleCatalog(ctx, in)
	case strings.HasPrefix(in.Text, "/search"):
		return c.handleSearch(ctx, in)
	case strings.HasPrefix(in.Text, "/delete"):
		return c.handleDelete(ctx, in)
	case strings.HasPrefix(in.Text, "/confirm_delete"):
		return c.handleConfirmDelete(ctx, in)
	case strings.HasPrefix(in.Text, "/stats"):
		return c.handleStats(ctx, in)
	default:
		return c.handleText(ctx, in)
	}
}

func (c *Commands) handleUpload(ctx context.Context, in Incoming) error {
	doc := in.Document
	if doc.Size > c.maxFileSize {
		return c.reply(ctx, in.UserID, fmt.Sprintf("File too large: limit is %d MB.", c.maxFileSize>>20))
	}
	conv := c.dialogs.Begin(in.UserID, dialog.StateAwaitingName)
	conv.Data["file_id"] = doc.FileID
	conv.Data["log_message_id"] = strconv.FormatInt(doc.LogMessageID, 10)
	conv.Data["size"] = strconv.FormatInt(doc.Size, 10)
	conv.Data["original_name"] = doc.Name
	c.log.Info().Int64("user_id", in.UserID).Int64("log_message_id", doc.LogMessageID).Msg("Upload received, awaiting name")
	return c.reply(ctx, in.UserID, "Got it. Send a name for this file, or /skip to keep the original.")
}

// handleText advances the naming dialog; text outside a dialog gets help.
func (c *Commands) handleText(ctx context.Context, in Incoming) error {
	conv, ok := c.dialogs.Get(in.UserID)
	if !ok || conv.State != dialog.StateAwaitingName {
		return c.reply(ctx, in.UserID, helpText)
	}

	name := strings.TrimSpace(in.Text)
	if name == "/skip" || name == "" {
		name = conv.Data["original_name"]
	}
	messageID, _ := strconv.ParseInt(conv.Data["log_message_id"], 10, 64)
	size, _ := strconv.ParseInt(conv.Data["size"], 10, 64)
	entry := catalog.Entry{
		MessageID:  messageID,
		FileID:     conv.Data["file_id"],
		CustomName: name,
		FileSize:   size,
		Source:     "direct_upload",
		UploadedBy: in.UserID,
	}
	if err := c.catalog.Save(ctx, entry); err != nil {
		c.log.Error().Err(err).Int64("message_id", messageID).Msg("Failed to index upload")
		return c.reply(ctx, in.UserID, "Indexing failed, try again later.")
	}
	c.dialogs.End(in.UserID)
	link := entry.StreamLink(c.baseURL, c.channelID)
	return c.reply(ctx, in.UserID, fmt.Sprintf("Indexed as %q.\nStream link: %s", name, link))
}

func (c *Commands) handleCatalog(ctx context.Context, in Incoming) error {
	page := int64(1)
	if arg := commandArg(in.Text); arg != "" {
		if n, err := strconv.ParseInt(arg, 10, 64); err == nil && n > 0 {
			page = n
		}
	}
	entries, err := c.catalog.List(ctx, page, 10)
	if err != nil {
		c.log.Error().Err(err).Msg("Catalog listing failed")
		return c.reply(ctx, in.UserID, "Catalog unavailable right now.")
	}
	if len(entries) == 0 {
		return c.reply(ctx, in.UserID, fmt.Sprintf("No entries on page %d.", page))
	}
	return c.reply(ctx, in.UserID, formatEntries(fmt.Sprintf("Catalog, page %d:", page), entries, c.baseURL, c.channelID))
}

func (c *Commands) handleSearch(ctx context.Context, in Incoming) error {
	query := commandArg(in.Text)
	if query == "" {
		return c.reply(ctx, in.UserID, "Usage: /search <name>")
	}
	entries, err := c.catalog.Search(ctx, query, 10)
	if err != nil {
		c.log.Error().Err(err).Str("query", query).Msg("Catalog search failed")
		return c.reply(ctx, in.UserID, "Search unavailable right now.")
	}
	if len(entries) == 0 {
		return c.reply(ctx, in.UserID, fmt.Sprintf("Nothing found for %q.", query))
	}
	return c.reply(ctx, in.UserID, formatEntries(fmt.Sprintf("Results for %q:", query), entries, c.baseURL, c.channelID))
}

func (c *Commands) handleDelete(ctx context.Context, in Incoming) error {
	arg := commandArg(in.Text)
	messageID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return c.reply(ctx, in.UserID, "Usage: /delete <message id>")
	}
	if _, err := c.catalog.ByMessageID(ctx, messageID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.reply(ctx, in.UserID, fmt.Sprintf("No entry with id %d.", messageID))
		}
		return c.reply(ctx, in.UserID, "Catalog unavailable right now.")
	}
	conv := c.dialogs.Begin(in.UserID, dialog.StateConfirmingDelete)
	conv.Data["delete_target"] = arg
	return c.reply(ctx, in.UserID, fmt.Sprintf("Confirm removing entry %d with /confirm_delete.", messageID))
}

func (c *Commands) handleConfirmDelete(ctx context.Context, in Incoming) error {
	conv, ok := c.dialogs.Get(in.UserID)
	if !ok || conv.State != dialog.StateConfirmingDelete {
		return c.reply(ctx, in.UserID, "Nothing pending deletion. Use /delete <message id> first.")
	}
	messageID, _ := strconv.ParseInt(conv.Data["delete_target"], 10, 64)
	c.dialogs.End(in.UserID)
	if err := c.catalog.SoftDelete(ctx, messageID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return c.reply(ctx, in.UserID, fmt.Sprintf("Entry %d is already gone.", messageID))
		}
		c.log.Error().Err(err).Int64("message_id", messageID).Msg("Delete failed")
		return c.reply(ctx, in.UserID, "Delete failed, try again later.")
	}
	return c.reply(ctx, in.UserID, fmt.Sprintf("Entry %d removed from the catalog.", messageID))
}

func (c *Commands) handleStats(ctx context.Context, in Incoming) error {
	count, totalBytes, err := c.catalog.Stats(ctx)
	if err != nil {
		return c.reply(ctx, in.UserID, "Stats unavailable right now.")
	}
	return c.reply(ctx, in.UserID, fmt.Sprintf("%d files indexed, %.1f GB total.", count, float64(totalBytes)/(1<<30)))
}

func (c *Commands) reply(ctx context.Context, userID int64, text string) error {
	if err := c.responder.Reply(ctx, userID, text); err != nil {
		return fmt.Errorf("error sending reply: %v", err)
	}
	return nil
}

func commandArg(text string) string {
	_, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	return strings.TrimSpace(arg)
}

func formatEntries(header string, entries []catalog.Entry, baseURL string, channelID int64) string {
	var b strings.Builder
	b.WriteString(header)
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s (%.1f MB)\n   %s", e.MessageID, e.CustomName, float64(e.FileSize)/(1<<20), e.StreamLink(baseURL, channelID))
	}
	return b.String()
}

const helpText = `Send me a file to index it for streaming.
Commands:
/catalog [page] - list indexed files
/search <name> - find files by name
/delete <message id> - remove a file from the catalog
/stats - catalog totals`
