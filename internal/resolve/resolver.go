package resolve

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/logx"
	"github.com/streamvault/streamvault/internal/stream"
	"github.com/streamvault/streamvault/internal/telegram"
)

// MessageResolver resolves (chat, message) pairs into streamable sources by
// fetching the message and mapping its media to a file location. For the
// configured log channel it addresses the channel directly; other chats go
// through messages.getMessages.
type MessageResolver struct {
	api            *tg.Client
	channelID      int64
	channelHash    int64
	timeout        time.Duration
	sleepThreshold time.Duration
	log            zerolog.Logger
}

func NewMessageResolver(api *tg.Client, channelID, channelHash int64, timeout, sleepThreshold time.Duration) *MessageResolver {
	return &MessageResolver{
		api:            api,
		channelID:      telegram.BareChannelID(channelID),
		channelHash:    channelHash,
		timeout:        timeout,
		sleepThreshold: sleepThreshold,
		log:            logx.Get("resolver"),
	}
}

func (r *MessageResolver) Resolve(ctx context.Context, chatID, messageID int64) (*stream.Source, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}}

	var reply tg.MessagesMessagesClass
	err := telegram.Invoke(ctx, r.timeout, r.sleepThreshold, func(ctx context.Context) error {
		var ierr error
		if telegram.BareChannelID(chatID) == r.channelID {
			reply, ierr = r.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: r.channelID, AccessHash: r.channelHash},
				ID:      ids,
			})
		} else {
			reply, ierr = r.api.MessagesGetMessages(ctx, ids)
		}
		return ierr
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching message %d: %w", messageID, err)
	}

	msg := firstMessage(reply)
	if msg == nil || msg.Media == nil {
		return nil, stream.ErrNotFound
	}
	src, err := sourceFromMedia(msg.Media)
	if err != nil {
		return nil, err
	}
	r.log.Debug().
		Int64("message_id", messageID).
		Str("name", src.Name).Int64("size", src.Size).Str("mime", src.MIME).
		Msg("Resolved file handle")
	return src, nil
}

func firstMessage(reply tg.MessagesMessagesClass) *tg.Message {
	var list []tg.MessageClass
	switch m := reply.(type) {
	case *tg.MessagesMessages:
		list = m.Messages
	case *tg.MessagesMessagesSlice:
		list = m.Messages
	case *tg.MessagesChannelMessages:
		list = m.Messages
	default:
		return nil
	}
	for _, raw := range list {
		if msg, ok := raw.(*tg.Message); ok {
			return msg
		}
	}
	return nil
}

// sourceFromMedia maps message media into an immutable file location plus
// display metadata. Unknown media kinds resolve to not-found rather than an
// error: the message exists but there is nothing to stream.
func sourceFromMedia(media tg.MessageMediaClass) (*stream.Source, error) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, stream.ErrNotFound
		}
		name := documentFilename(doc)
		return &stream.Source{
			Location: telegram.DocumentLocation(doc.DCID, doc.ID, doc.AccessHash, doc.FileReference),
			Size:     doc.Size,
			Name:     name,
			MIME:     documentMIME(doc, name),
		}, nil

	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, stream.ErrNotFound
		}
		thumb, size := largestPhotoSize(photo)
		if thumb == "" {
			return nil, stream.ErrNotFound
		}
		return &stream.Source{
			Location: telegram.PhotoLocation(photo.DCID, photo.ID, photo.AccessHash, photo.FileReference, thumb),
			Size:     size,
			Name:     fmt.Sprintf("photo_%d.jpg", photo.ID),
			MIME:     "image/jpeg",
		}, nil
	}
	return nil, stream.ErrNotFound
}

func documentFilename(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
			return fn.FileName
		}
	}
	return fmt.Sprintf("file_%d", doc.ID)
}

// documentMIME prefers the declared type but falls back to the extension;
// video containers marked application/octet-stream are common and would make
// browsers download instead of play.
func documentMIME(doc *tg.Document, name string) string {
	if doc.MimeType != "" && doc.MimeType != "application/octet-stream" {
		return doc.MimeType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	if doc.MimeType != "" {
		return doc.MimeType
	}
	return "application/octet-stream"
}

func largestPhotoSize(photo *tg.Photo) (thumbType string, size int64) {
	for _, s := range photo.Sizes {
		switch ps := s.(type) {
		case *tg.PhotoSize:
			if int64(ps.Size) > size {
				thumbType, size = ps.Type, int64(ps.Size)
			}
		case *tg.PhotoSizeProgressive:
			var max int
			for _, n := range ps.Sizes {
				if n > max {
					max = n
				}
			}
			if int64(max) > size {
				thumbType, size = ps.Type, int64(max)
			}
		}
	}
	return thumbType, size
}
