package telegram

import (
	"context"
	"fmt"

	gotd "github.com/gotd/td/telegram"
)

// ClientDialer adapts a running gotd client into the Dialer used by the pool
// and the fetchers. Each Dial opens a dedicated sub-connection so sessions
// never share a transport.
type ClientDialer struct {
	client *gotd.Client
	home   int
}

func NewClientDialer(client *gotd.Client, homeDC int) *ClientDialer {
	return &ClientDialer{client: client, home: homeDC}
}

func (d *ClientDialer) HomeDC() int { return d.home }

func (d *ClientDialer) Dial(ctx context.Context, dc int) (Conn, error) {
	inv, err := d.client.DC(ctx, dc, 1)
	if err != nil {
		return nil, fmt.Errorf("error opening connection to DC %d: %w", dc, err)
	}
	return inv, nil
}

// DialCDN opens a connection to a CDN delivery DC. The gotd client resolves
// CDN endpoints from the server config the same way it resolves media DCs.
func (d *ClientDialer) DialCDN(ctx context.Context, dc int) (Conn, error) {
	inv, err := d.client.DC(ctx, dc, 1)
	if err != nil {
		return nil, fmt.Errorf("error opening connection to CDN DC %d: %w", dc, err)
	}
	return inv, nil
}
