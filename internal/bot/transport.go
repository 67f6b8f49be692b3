package bot

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
)

// Transport adapts raw MTProto updates into normalized Incoming values and
// implements Responder over the same RPC surface. It copies uploaded
// documents into the log channel before handing them to Commands, so that
// every indexed file lives at a stable (channel, message) address.
type Transport struct {
	api         *tg.Client
	channelID   int64
	channelHash int64

	mu     sync.Mutex
	access map[int64]int64 // user id -> access hash, learned from updates

	commands *Commands
	log      zerolog.Logger
}

func NewTransport(api *tg.Client, channelID, channelHash int64) *Transport {
	return &Transport{
		api:         api,
		channelID:   channelID,
		channelHash: channelHash,
		access:      make(map[int64]int64),
		log:         logx.Get("bot_transport"),
	}
}

// Bind attaches the command surface. Separate from the constructor because
// Commands needs the Transport as its Responder.
func (t *Transport) Bind(c *Commands) { t.commands = c }

// Handle implements the gotd update handler contract.
func (t *Transport) Handle(ctx context.Context, u tg.UpdatesClass) error {
	var updates []tg.UpdateClass
	switch v := u.(type) {
	case *tg.Updates:
		t.learnUsers(v.Users)
		updates = v.Updates
	case *tg.UpdatesCombined:
		t.learnUsers(v.Users)
		updates = v.Updates
	case *tg.UpdateShort:
		updates = []tg.UpdateClass{v.Update}
	default:
		return nil
	}

	for _, upd := range updates {
		nm, ok := upd.(*tg.UpdateNewMessage)
		if !ok {
			continue
		}
		msg, ok := nm.Message.(*tg.Message)
		if ok {
			if err := t.dispatch(ctx, msg); err != nil {
				t.log.Error().Err(err).Int("message_id", msg.ID).Msg("Update handling failed")
			}
		}
	}
	return nil
}

func (t *Transport) dispatch(ctx context.Context, msg *tg.Message) error {
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok || msg.Out {
		return nil // only private chats with the bot
	}
	if t.commands == nil {
		return nil
	}

	in := Incoming{UserID: peer.UserID, Text: msg.Message}
	if doc := extractDocument(msg.Media); doc != nil {
		logMessageID, err := t.copyToChannel(ctx, peer.UserID, msg.ID)
		if err != nil {
			return fmt.Errorf("error copying upload to log channel: %w", err)
		}
		in.Document = &IncomingFile{
			FileID:       fmt.Sprintf("%d", doc.ID),
			LogMessageID: logMessageID,
			Name:         documentName(doc),
			Size:         doc.Size,
			MIME:         doc.MimeType,
		}
	}
	return t.commands.Handle(ctx, in)
}

// Reply implements Responder.
func (t *Transport) Reply(ctx context.Context, userID int64, text string) error {
	_, err := t.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     t.inputUser(userID),
		Message:  text,
		RandomID: rand.Int63(),
	})
	return err
}

// copyToChannel forwards the user's upload into the log channel and returns
// the id of the channel copy.
func (t *Transport) copyToChannel(ctx context.Context, userID int64, messageID int) (int64, error) {
	res, err := t.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: t.inputUser(userID),
		ID:       []int{messageID},
		RandomID: []int64{rand.Int63()},
		ToPeer:   &tg.InputPeerChannel{ChannelID: t.channelID, AccessHash: t.channelHash},
	})
	if err != nil {
		return 0, err
	}
	if id := forwardedMessageID(res); id != 0 {
		return id, nil
	}
	return 0, fmt.Errorf("forward result carried no channel message")
}

func forwardedMessageID(u tg.UpdatesClass) int64 {
	var updates []tg.UpdateClass
	switch v := u.(type) {
	case *tg.Updates:
		updates = v.Updates
	case *tg.UpdatesCombined:
		updates = v.Updates
	default:
		return 0
	}
	for _, upd := range updates {
		if cm, ok := upd.(*tg.UpdateNewChannelMessage); ok {
			if msg, ok := cm.Message.(*tg.Message); ok {
				return int64(msg.ID)
			}
		}
	}
	return 0
}

func (t *Transport) learnUsers(users []tg.UserClass) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, raw := range users {
		if u, ok := raw.(*tg.User); ok {
			t.access[u.ID] = u.AccessHash
		}
	}
}

func (t *Transport) inputUser(userID int64) tg.InputPeerClass {
	t.mu.Lock()
	hash := t.access[userID]
	t.mu.Unlock()
	return &tg.InputPeerUser{UserID: userID, AccessHash: hash}
}

func extractDocument(media tg.MessageMediaClass) *tg.Document {
	md, ok := media.(*tg.MessageMediaDocument)
	if !ok {
		return nil
	}
	doc, ok := md.Document.AsNotEmpty()
	if !ok {
		return nil
	}
	return doc
}

func documentName(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
			return fn.FileName
		}
	}
	return fmt.Sprintf("file_%d", doc.ID)
}
