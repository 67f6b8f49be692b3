package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gotd/td/tgerr"
)

// Sentinel errors for conditions the stream layer reacts to.
var (
	// ErrStaleReference marks an expired file reference; recover by
	// re-resolving the file handle and resuming from the current position.
	ErrStaleReference = errors.New("file reference expired")
	// ErrInvalidOffset is the server rejecting the requested offset;
	// recovered the same way as a stale reference.
	ErrInvalidOffset = errors.New("offset invalid")
	// ErrPermanentNotFound means the delivery-shard volume is gone; the
	// fetch cannot be retried.
	ErrPermanentNotFound = errors.New("volume location not found")
)

// AuthError reports a failed session or credential setup for a DC. Fatal for
// the acquisition that hit it; the caller may retry acquiring.
type AuthError struct {
	DC  int
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session auth for DC %d failed: %v", e.DC, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimited carries a server-imposed wait that exceeded the in-place sleep
// threshold. The caller sleeps Wait and retries the same call.
type RateLimited struct {
	Wait time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// IntegrityError reports a decrypted CDN segment whose SHA-256 digest does
// not match the declared hash. Content for this stream cannot be trusted.
type IntegrityError struct {
	Offset  int64
	Segment int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cdn chunk at offset %d failed hash check (segment %d)", e.Offset, e.Segment)
}

// mapRPCError translates raw MTProto error codes into the local taxonomy.
// Errors it does not recognize pass through unchanged.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case tgerr.Is(err, "FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID", "FILE_ID_INVALID"):
		return fmt.Errorf("%w: %v", ErrStaleReference, err)
	case tgerr.Is(err, "OFFSET_INVALID", "LIMIT_INVALID"):
		return fmt.Errorf("%w: %v", ErrInvalidOffset, err)
	case tgerr.Is(err, "VOLUME_LOC_NOT_FOUND"):
		return fmt.Errorf("%w: %v", ErrPermanentNotFound, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED"):
		return &AuthError{Err: err}
	}
	return err
}

// IsRefreshable reports whether err is recovered by re-resolving the file
// handle (stale reference or invalid offset).
func IsRefreshable(err error) bool {
	return errors.Is(err, ErrStaleReference) || errors.Is(err, ErrInvalidOffset)
}

// IsTransient reports whether err is a timeout or network-level failure worth
// retrying under exponential backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// AsRateLimited extracts the wait from a RateLimited error.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
