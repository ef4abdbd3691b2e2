package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("signaling: client closed")

// Handler receives what the remote side sent. Calls come from the read
// loop, one at a time.
type Handler interface {
	HandleOffer(sdp string)
	HandleAnswer(sdp string)
	HandleCandidate(c ice.Candidate)
	HandlePeerJoined(uid string)
	HandlePeerLeft(uid string)
}

// Client is one websocket connection to the signaling relay.
type Client struct {
	conn   *websocket.Conn
	room   string
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to cfg.URL, retrying with exponential backoff up to
// cfg.DialAttempts times. Authentication failures are not retried.
func Dial(ctx context.Context, cfg config.SignalingConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("signaling")

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, apperr.Configuration("dial", fmt.Errorf("signaling URL: %w", err))
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("relay refused connection: %s", resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Signaling dial failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	retries := cfg.DialAttempts - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, apperr.Transport("dial", fmt.Errorf("connect to %s: %w", cfg.URL, err))
	}

	logger.Info("Connected to signaling relay", zap.String("url", cfg.URL), zap.String("room", cfg.Room))
	return NewClient(conn, cfg.Room, logger), nil
}

// NewClient wraps an established connection and starts its write pump.
func NewClient(conn *websocket.Conn, room string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:   conn,
		room:   room,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Client) Join(uid string) error {
	return c.sendRequest(MethodJoin, Join{SID: c.room, UID: uid})
}

func (c *Client) Leave() error {
	return c.sendRequest(MethodLeave, Join{SID: c.room})
}

func (c *Client) SendOffer(desc sdp.Description) error {
	return c.sendRequest(MethodOffer, SendOffer{SID: c.room, Offer: sessionDescription(desc)})
}

func (c *Client) SendAnswer(desc sdp.Description) error {
	return c.sendRequest(MethodAnswer, SendAnswer{SID: c.room, Answer: sessionDescription(desc)})
}

func (c *Client) SendCandidate(cand ice.Candidate) error {
	return c.sendRequest(MethodTrickle, Trickle{Candidate: candidateInit(cand)})
}

func (c *Client) sendRequest(method string, params interface{}) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return apperr.Transport(method, err)
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return apperr.Transport(method, fmt.Errorf("encode frame: %w", err))
	}

	select {
	case <-c.done:
		return apperr.Transport(method, ErrClosed)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return apperr.Transport(method, ErrClosed)
	default:
		return apperr.Transport(method, errors.New("send buffer full"))
	}
}

// Run reads frames and dispatches them to h until ctx is done or the
// connection drops. It returns nil after a clean close.
func (c *Client) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			closing := ctx.Err() != nil || c.closed()
			c.Close()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return apperr.Transport("read", err)
		}
		c.dispatch(message, h)
	}
}

func (c *Client) dispatch(message []byte, h Handler) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}
	if req.Method == "" {
		// Responses to our requests carry nothing we act on.
		return
	}

	c.logger.Debug("Received frame", zap.String("method", req.Method))
	switch req.Method {
	case MethodOffer:
		var msg SendOffer
		if err := DecodeParams(&req, &msg); err != nil || msg.Offer == nil {
			c.logger.Warn("Dropping offer", zap.Error(err))
			return
		}
		h.HandleOffer(msg.Offer.SDP)
	case MethodAnswer:
		var msg SendAnswer
		if err := DecodeParams(&req, &msg); err != nil || msg.Answer == nil {
			c.logger.Warn("Dropping answer", zap.Error(err))
			return
		}
		h.HandleAnswer(msg.Answer.SDP)
	case MethodTrickle:
		var msg Trickle
		if err := DecodeParams(&req, &msg); err != nil {
			c.logger.Warn("Dropping candidate", zap.Error(err))
			return
		}
		// Invalid candidates still go to the handler so the negotiator
		// reports them.
		h.HandleCandidate(fromCandidateInit(msg.Candidate))
	case MethodPeerJoined, MethodPeerLeft:
		var msg Peer
		if err := DecodeParams(&req, &msg); err != nil {
			c.logger.Warn("Dropping peer announcement", zap.Error(err))
			return
		}
		if req.Method == MethodPeerJoined {
			h.HandlePeerJoined(msg.UID)
		} else {
			h.HandlePeerLeft(msg.UID)
		}
	default:
		c.logger.Debug("Ignoring unknown method", zap.String("method", req.Method))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("Failed to write frame", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes frames queued before Close, e.g. a final leave.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }
