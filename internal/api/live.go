package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// ErrMalformedFrame marks a frame that arrived but failed to decode. The
// connection itself is still healthy; callers drop the frame and keep
// reading.
var ErrMalformedFrame = errors.New("malformed live frame")

// LiveConn is one open live channel for a session. Read blocks until the
// next frame; reconnect policy lives in the channel manager, not here.
type LiveConn struct {
	conn *websocket.Conn
}

// Read decodes the next JSON frame. Undecodable payloads yield
// ErrMalformedFrame without tearing the connection down.
func (c *LiveConn) Read(ctx context.Context) (*syncdto.Event, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var ev syncdto.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &ev, nil
}

// Send writes one outbound frame (e.g. chat). wsjson.Write is not safe for
// concurrent use; the engine serializes all sends.
func (c *LiveConn) Send(ctx context.Context, v any) error {
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return wsjson.Write(dctx, c.conn, v)
}

func (c *LiveConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}

// LiveDialer opens watch channels scoped to a session and mode.
type LiveDialer struct {
	baseURL    string
	credential string
	clientID   string
}

func NewLiveDialer(baseURL, credential string) *LiveDialer {
	return &LiveDialer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		clientID:   uuid.NewString(),
	}
}

// Dial opens the live channel for sessionID. mode is participant or
// spectator; the server scopes permissions accordingly.
func (d *LiveDialer) Dial(ctx context.Context, sessionID, mode string) (*LiveConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hdr := http.Header{}
	if d.credential != "" {
		hdr.Set("Authorization", "Bearer "+d.credential)
	}
	hdr.Set("X-Client-Id", d.clientID)

	url := fmt.Sprintf("%s/api/session/%s/watch?mode=%s", d.baseURL, sessionID, mode)
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      hdr,
	})
	if err != nil {
		return nil, fmt.Errorf("dial live channel: %w", err)
	}
	return &LiveConn{conn: conn}, nil
}
