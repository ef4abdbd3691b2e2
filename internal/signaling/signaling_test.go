package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/negotiator"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

const testCandidate = "candidate:1 1 udp 2130706431 192.0.2.10 54321 typ host"

type recordingHandler struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates []ice.Candidate
	joined     []string
	left       []string
}

func (h *recordingHandler) HandleOffer(s string) {
	h.mu.Lock()
	h.offers = append(h.offers, s)
	h.mu.Unlock()
}
func (h *recordingHandler) HandleAnswer(s string) {
	h.mu.Lock()
	h.answers = append(h.answers, s)
	h.mu.Unlock()
}
func (h *recordingHandler) HandleCandidate(c ice.Candidate) {
	h.mu.Lock()
	h.candidates = append(h.candidates, c)
	h.mu.Unlock()
}
func (h *recordingHandler) HandlePeerJoined(uid string) {
	h.mu.Lock()
	h.joined = append(h.joined, uid)
	h.mu.Unlock()
}
func (h *recordingHandler) HandlePeerLeft(uid string) {
	h.mu.Lock()
	h.left = append(h.left, uid)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testConfig(url string) config.SignalingConfig {
	return config.SignalingConfig{
		URL:          url,
		Room:         "standup",
		DialAttempts: 2,
		DialTimeout:  2 * time.Second,
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, method string, params interface{}) {
	t.Helper()
	req, err := NewRequest(method, params)
	if err != nil {
		t.Errorf("NewRequest: %v", err)
		return
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Errorf("write %s: %v", method, err)
	}
}

func TestNewRequest(t *testing.T) {
	trickle, err := NewRequest(MethodTrickle, Trickle{})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if !trickle.Notif {
		t.Fatal("trickles are notifications")
	}
	offer, err := NewRequest(MethodOffer, SendOffer{SID: "room"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if offer.Notif {
		t.Fatal("offers carry an ID")
	}

	data, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded jsonrpc2.Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var msg SendOffer
	if err := DecodeParams(&decoded, &msg); err != nil || msg.SID != "room" {
		t.Fatalf("decoded %+v, %v", msg, err)
	}
	if err := DecodeParams(&jsonrpc2.Request{Method: "x"}, &msg); err == nil {
		t.Fatal("missing params must fail")
	}
}

func TestClientExchange(t *testing.T) {
	received := make(chan *jsonrpc2.Request, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("room") != "standup" {
			http.Error(w, "no room", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		mid := "0"
		idx := uint16(0)
		writeFrame(t, conn, MethodPeerJoined, Peer{SID: "standup", UID: "bob"})
		writeFrame(t, conn, MethodOffer, SendOffer{SID: "standup", Offer: sessionDescription(sdp.Description{Type: sdp.TypeOffer, SDP: "v=0 offer"})})
		writeFrame(t, conn, MethodTrickle, Trickle{Candidate: candidateInit(ice.Candidate{Candidate: testCandidate, SDPMid: &mid, SDPMLineIndex: &idx})})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		writeFrame(t, conn, MethodAnswer, SendAnswer{SID: "standup", Answer: sessionDescription(sdp.Description{Type: sdp.TypeAnswer, SDP: "v=0 answer"})})
		writeFrame(t, conn, MethodPeerLeft, Peer{SID: "standup", UID: "bob"})

		for {
			var req jsonrpc2.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			received <- &req
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Join("alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := client.SendCandidate(ice.NewCandidate(testCandidate, "0", 0)); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}

	for _, want := range []string{MethodJoin, MethodTrickle} {
		select {
		case req := <-received:
			if req.Method != want {
				t.Fatalf("server got %s, want %s", req.Method, want)
			}
			if want == MethodTrickle {
				var msg Trickle
				if err := DecodeParams(req, &msg); err != nil || msg.Candidate.Candidate != testCandidate {
					t.Fatalf("trickle params %+v, %v", msg, err)
				}
			}
		case <-ctx.Done():
			t.Fatalf("server never received %s", want)
		}
	}

	h := &recordingHandler{}
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, h) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		h.mu.Lock()
		done := len(h.left) == 1
		h.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never saw every frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run after Close returned %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.offers) != 1 || h.offers[0] != "v=0 offer" {
		t.Fatalf("offers = %v", h.offers)
	}
	if len(h.answers) != 1 || h.answers[0] != "v=0 answer" {
		t.Fatalf("answers = %v", h.answers)
	}
	if len(h.candidates) != 1 || h.candidates[0].Mid() != "0" || h.candidates[0].Candidate != testCandidate {
		t.Fatalf("candidates = %v", h.candidates)
	}
	if len(h.joined) != 1 || h.joined[0] != "bob" {
		t.Fatalf("joined = %v", h.joined)
	}

	if err := client.SendOffer(sdp.Description{Type: sdp.TypeOffer, SDP: "late"}); err == nil {
		t.Fatal("sending on a closed client must fail")
	}
}

func TestDialUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.DialAttempts = 5
	if _, err := Dial(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected dial to fail")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

type fakeSession struct {
	mu        sync.Mutex
	state     negotiator.ConnectionState
	calls     []string
	remote    []string
	received  []ice.Candidate
	restarted map[string]bool
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSession) CreatePeerConnection() (uuid.UUID, error) {
	f.record("create")
	f.mu.Lock()
	f.state = negotiator.StateConnecting
	f.mu.Unlock()
	return uuid.New(), nil
}

func (f *fakeSession) CreateOffer() (sdp.Description, error) {
	f.record("offer")
	return sdp.Description{Type: sdp.TypeOffer, SDP: "local offer"}, nil
}

func (f *fakeSession) CreateAnswer(remote string) (sdp.Description, error) {
	f.record("answer")
	f.mu.Lock()
	f.remote = append(f.remote, remote)
	f.mu.Unlock()
	return sdp.Description{Type: sdp.TypeAnswer, SDP: "local answer"}, nil
}

func (f *fakeSession) SetRemoteDescription(raw string, typ sdp.Type) error {
	f.record("remote-" + typ.String())
	return nil
}

func (f *fakeSession) AddICECandidate(c ice.Candidate) error {
	f.mu.Lock()
	f.received = append(f.received, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ClosePeerConnection() {
	f.record("close")
	f.mu.Lock()
	f.state = negotiator.StateDisconnected
	f.mu.Unlock()
}

func (f *fakeSession) State() negotiator.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) RemoteRestarted(remote string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarted[remote]
}

func (f *fakeSession) Calls() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) add(s string)                       { f.mu.Lock(); f.sent = append(f.sent, s); f.mu.Unlock() }
func (f *fakeSender) SendOffer(d sdp.Description) error  { f.add("offer:" + d.SDP); return nil }
func (f *fakeSender) SendAnswer(d sdp.Description) error { f.add("answer:" + d.SDP); return nil }
func (f *fakeSender) SendCandidate(c ice.Candidate) error {
	f.add("candidate:" + c.Mid())
	return nil
}

func TestBridgeOfferer(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	session := &fakeSession{}
	sender := &fakeSender{}
	b := NewBridge(session, sender, bus, true, nil)
	b.Start()
	defer b.Stop()

	b.HandlePeerJoined("bob")
	if got := session.Calls(); got != "create,offer" {
		t.Fatalf("calls = %s", got)
	}
	b.HandleAnswer("remote answer")
	b.HandleCandidate(ice.NewCandidate(testCandidate, "0", 0))

	bus.Publish(negotiator.OfferCreated{Generation: 1, Description: sdp.Description{Type: sdp.TypeOffer, SDP: "o"}})
	bus.Publish(negotiator.ICECandidate{Generation: 1, Candidate: ice.NewCandidate(testCandidate, "0", 0)})
	bus.Publish(negotiator.ICECandidate{Generation: 1, Candidate: ice.NewCandidate(testCandidate, "1", 1), Remote: true})
	bus.Sync()

	sender.mu.Lock()
	sent := strings.Join(sender.sent, " ")
	sender.mu.Unlock()
	if sent != "offer:o candidate:0" {
		t.Fatalf("sent = %q", sent)
	}

	b.HandlePeerLeft("someone-else")
	b.HandlePeerLeft("bob")
	if got := session.Calls(); got != "create,offer,remote-answer,close" {
		t.Fatalf("calls = %s", got)
	}
	if len(session.received) != 1 {
		t.Fatalf("expected 1 remote candidate, got %d", len(session.received))
	}

	if err := b.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}
	if got := session.Calls(); !strings.HasSuffix(got, "close,close,create,offer") {
		t.Fatalf("calls = %s", got)
	}
}

func TestBridgeAnswerer(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	session := &fakeSession{}
	b := NewBridge(session, &fakeSender{}, bus, false, nil)

	b.HandlePeerJoined("alice")
	if got := session.Calls(); got != "" {
		t.Fatalf("an answerer waits for the offer, calls = %s", got)
	}
	b.HandleOffer("remote offer")
	if got := session.Calls(); got != "create,answer" {
		t.Fatalf("calls = %s", got)
	}
	if session.remote[0] != "remote offer" {
		t.Fatalf("answered %q", session.remote[0])
	}
}

func TestBridgeReplacesConnectionOnRemoteRestart(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	session := &fakeSession{restarted: map[string]bool{"fresh offer": true}}
	b := NewBridge(session, &fakeSender{}, bus, false, nil)

	b.HandleOffer("first offer")
	b.HandleOffer("renegotiation")
	if got := session.Calls(); got != "create,answer,answer" {
		t.Fatalf("same remote session should reuse the connection, calls = %s", got)
	}

	b.HandleOffer("fresh offer")
	if got := session.Calls(); got != "create,answer,answer,close,create,answer" {
		t.Fatalf("calls = %s", got)
	}
	if last := session.remote[len(session.remote)-1]; last != "fresh offer" {
		t.Fatalf("answered %q", last)
	}
}
