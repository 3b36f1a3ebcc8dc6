package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
)

// Compile-time interface checks
var (
	_ Transport = (*WebsocketTransport)(nil)
	_ Conn      = (*wsConn)(nil)
)

// negotiateResponse is the backend's answer to the negotiate handshake.
type negotiateResponse struct {
	URL          string `json:"url"`
	AccessToken  string `json:"accessToken"`
	ConnectionID string `json:"connectionId"`
}

// WebsocketTransport implements Transport with a negotiate-then-dial
// handshake: an HTTP POST to a stable endpoint returns the channel URL and
// access token, then the websocket is dialed.
type WebsocketTransport struct {
	negotiateURL string
	token        string
	userEmail    string
	http         *http.Client
	dialer       *websocket.Dialer
}

// NewWebsocketTransport creates the production transport. The handshake
// timeout bounds both the negotiate call and the dial.
func NewWebsocketTransport(negotiateURL, token, userEmail string, handshakeTimeout time.Duration) *WebsocketTransport {
	return &WebsocketTransport{
		negotiateURL: negotiateURL,
		token:        token,
		userEmail:    userEmail,
		http:         &http.Client{Timeout: handshakeTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Connect negotiates connection parameters and dials the live channel.
func (t *WebsocketTransport) Connect(ctx context.Context) (Conn, error) {
	params, err := t.negotiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+params.AccessToken)

	conn, resp, err := t.dialer.DialContext(ctx, wsURL(params.URL), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial channel: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial channel: %w", err)
	}

	id := params.ConnectionID
	if id == "" {
		id = ulid.Make().String()
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	return &wsConn{conn: conn, id: id}, nil
}

// negotiate performs the HTTP handshake that yields channel parameters.
func (t *WebsocketTransport) negotiate(ctx context.Context) (*negotiateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.negotiateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("X-User-Email", t.userEmail)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var params negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("response missing channel url")
	}
	return &params, nil
}

// wsURL converts an http(s) channel URL to the ws(s) scheme.
func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		return "ws://" + u[len("http://"):]
	default:
		return u
	}
}

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Writes are serialized; gorilla connections support one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) WriteEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	return env, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
