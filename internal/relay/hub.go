// Package relay is the signaling relay the session client dials: it groups
// websocket connections into rooms and forwards offers, answers and
// trickled candidates between the members of a room.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
	maxFrame   = 64 << 10
)

// Hub tracks the peers of every room on this relay.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*peer]struct{}
	store  RoomStore
	logger *zap.Logger
}

type peer struct {
	id   string
	uid  string
	room string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	joined bool // guarded by Hub.mu
}

func NewHub(store RoomStore, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Hub{
		rooms:  map[string]map[*peer]struct{}{},
		store:  store,
		logger: logger,
	}
}

// Rooms returns the number of rooms with at least one connection.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Serve runs conn as a member of room until the connection ends. uid is
// the identity from the token, if any; a join frame may supply one when
// it is empty.
func (h *Hub) Serve(conn *websocket.Conn, room, uid string) {
	p := &peer{
		id:   uuid.New().String(),
		uid:  uid,
		room: room,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = map[*peer]struct{}{}
		h.rooms[room] = members
	}
	members[p] = struct{}{}
	h.mu.Unlock()

	logger := h.logger.With(zap.String("room", room), zap.String("conn", p.id))
	logger.Debug("Peer connected")

	go p.writePump(logger)
	h.readPump(p, logger)

	h.leave(p, logger)
	h.mu.Lock()
	delete(h.rooms[room], p)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()
	close(p.done)
	logger.Debug("Peer disconnected")
}

func (h *Hub) readPump(p *peer, logger *zap.Logger) {
	p.conn.SetReadLimit(maxFrame)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Websocket read failed", zap.Error(err))
			}
			return
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			logger.Debug("Ignoring frame that is not a request", zap.Error(err))
			continue
		}

		switch req.Method {
		case signaling.MethodJoin:
			var join signaling.Join
			if err := signaling.DecodeParams(&req, &join); err != nil {
				logger.Warn("Bad join frame", zap.Error(err))
				continue
			}
			h.join(p, join.UID, logger)
		case signaling.MethodLeave:
			h.leave(p, logger)
		case signaling.MethodOffer, signaling.MethodAnswer, signaling.MethodTrickle:
			h.forward(p, req.Method, frame, logger)
		default:
			logger.Warn("Unknown method", zap.String("method", req.Method))
		}
	}
}

func (h *Hub) join(p *peer, uid string, logger *zap.Logger) {
	h.mu.Lock()
	if p.joined {
		h.mu.Unlock()
		return
	}
	if p.uid == "" {
		p.uid = uid
	}
	if p.uid == "" {
		p.uid = p.id
	}
	p.joined = true
	others := h.othersLocked(p)
	h.mu.Unlock()

	h.storeCall(logger, "add", func(ctx context.Context) error { return h.store.AddPeer(ctx, p.room, p.uid) })
	logger.Info("Peer joined", zap.String("uid", p.uid), zap.Int("others", len(others)))

	for _, o := range others {
		p.notify(signaling.MethodPeerJoined, signaling.Peer{SID: p.room, UID: o.uid}, logger)
		o.notify(signaling.MethodPeerJoined, signaling.Peer{SID: p.room, UID: p.uid}, logger)
	}
}

func (h *Hub) leave(p *peer, logger *zap.Logger) {
	h.mu.Lock()
	if !p.joined {
		h.mu.Unlock()
		return
	}
	p.joined = false
	others := h.othersLocked(p)
	h.mu.Unlock()

	h.storeCall(logger, "remove", func(ctx context.Context) error { return h.store.RemovePeer(ctx, p.room, p.uid) })
	logger.Info("Peer left", zap.String("uid", p.uid))

	for _, o := range others {
		o.notify(signaling.MethodPeerLeft, signaling.Peer{SID: p.room, UID: p.uid}, logger)
	}
}

func (h *Hub) forward(p *peer, method string, frame []byte, logger *zap.Logger) {
	h.mu.Lock()
	if !p.joined {
		h.mu.Unlock()
		logger.Warn("Dropping frame from peer that has not joined", zap.String("method", method))
		return
	}
	others := h.othersLocked(p)
	h.mu.Unlock()

	for _, o := range others {
		o.enqueue(frame, logger)
	}
}

// othersLocked returns the joined members of p's room except p.
func (h *Hub) othersLocked(p *peer) []*peer {
	var out []*peer
	for o := range h.rooms[p.room] {
		if o != p && o.joined {
			out = append(out, o)
		}
	}
	return out
}

func (h *Hub) storeCall(logger *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("Room store update failed", zap.String("op", what), zap.Error(err))
	}
}

func (p *peer) notify(method string, params interface{}, logger *zap.Logger) {
	req, err := signaling.NewRequest(method, params)
	if err != nil {
		logger.Error("Failed to build notification", zap.Error(err))
		return
	}
	frame, err := json.Marshal(req)
	if err != nil {
		logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	p.enqueue(frame, logger)
}

func (p *peer) enqueue(frame []byte, logger *zap.Logger) {
	select {
	case <-p.done:
	case p.send <- frame:
	default:
		logger.Warn("Send buffer full, dropping frame", zap.String("conn", p.id))
	}
}

func (p *peer) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
