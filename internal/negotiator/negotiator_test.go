package negotiator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// fakeAgent records calls and lets tests drive callbacks by hand.
type fakeAgent struct {
	mu          sync.Mutex
	ufrag, pwd  string
	onCandidate func(string)
	onState     func(ice.ConnectionState)
	gathered    int
	remote      []string
	connects    int
	controlling bool
	remoteUfrag string
	rtt         time.Duration
	closed      bool
}

func (f *fakeAgent) LocalCredentials() (string, string, error) { return f.ufrag, f.pwd, nil }
func (f *fakeAgent) OnCandidate(h func(string))                { f.mu.Lock(); f.onCandidate = h; f.mu.Unlock() }
func (f *fakeAgent) OnStateChange(h func(ice.ConnectionState)) {
	f.mu.Lock()
	f.onState = h
	f.mu.Unlock()
}

func (f *fakeAgent) Gather() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gathered++
	return nil
}

func (f *fakeAgent) AddRemoteCandidate(c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, c)
	return nil
}

func (f *fakeAgent) Connect(_ context.Context, controlling bool, ufrag, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.controlling = controlling
	f.remoteUfrag = ufrag
	return nil
}

func (f *fakeAgent) SelectedPairRTT() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rtt, f.rtt > 0
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAgent) state(s ice.ConnectionState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()
	h(s)
}

func (f *fakeAgent) candidate(c string) {
	f.mu.Lock()
	h := f.onCandidate
	f.mu.Unlock()
	h(c)
}

type fakeMedia struct {
	kinds []string
	bound []uint64
}

func (m *fakeMedia) ActiveKinds() []string { return m.kinds }
func (m *fakeMedia) Bind(gen uint64)       { m.bound = append(m.bound, gen) }

type harness struct {
	n      *Negotiator
	bus    *events.Bus
	rec    *events.Recorder
	agents []*fakeAgent
	media  *fakeMedia
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{bus: events.NewBus(nil), rec: events.NewRecorder(), media: &fakeMedia{}}
	h.bus.Subscribe(h.rec.Handle)
	t.Cleanup(h.bus.Close)

	cfg := Config{
		Bus:   h.bus,
		Media: h.media,
		NewAgent: func() (ice.Agent, error) {
			a := &fakeAgent{ufrag: "localUfrag", pwd: "localpasswordlocalpassword"}
			h.agents = append(h.agents, a)
			return a, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.n = n
	return h
}

func (h *harness) agent() *fakeAgent { return h.agents[len(h.agents)-1] }

func (h *harness) connectionStates() []ConnectionState {
	h.bus.Sync()
	var out []ConnectionState
	for _, ev := range h.rec.Named("connection-state-changed") {
		out = append(out, ev.(ConnectionStateChanged).State)
	}
	return out
}

func (h *harness) remoteCandidates() []ice.Candidate {
	h.bus.Sync()
	var out []ice.Candidate
	for _, ev := range h.rec.Named("ice-candidate") {
		if c := ev.(ICECandidate); c.Remote {
			out = append(out, c.Candidate)
		}
	}
	return out
}

// remoteAnswer builds an answer to offer as a separate endpoint would.
func remoteAnswer(t *testing.T, offer string) string {
	t.Helper()
	parsed, err := sdp.Parse(offer)
	if err != nil {
		t.Fatalf("Parse offer: %v", err)
	}
	cert, err := sdp.NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	answer, err := sdp.BuildAnswer(parsed, sdp.AnswerOptions{
		Identity: sdp.Identity{
			ICEUfrag:             "remoteUfrag",
			ICEPwd:               "remotepasswordremotepassword",
			FingerprintAlgorithm: cert.Algorithm,
			Fingerprint:          cert.Fingerprint,
		},
		Kinds: []string{sdp.KindAudio, sdp.KindVideo},
	})
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}
	return answer
}

func remoteOffer(t *testing.T) string {
	t.Helper()
	return remoteOfferFrom(t, "remoteUfrag")
}

// remoteOfferFrom builds an offer from a remote ICE session with ufrag.
func remoteOfferFrom(t *testing.T, ufrag string) string {
	t.Helper()
	cert, err := sdp.NewCertificate()
	if err != nil {
		t.Fatalf("NewCertificate: %v", err)
	}
	offer, err := sdp.BuildOffer(sdp.OfferOptions{
		Identity: sdp.Identity{
			ICEUfrag:             ufrag,
			ICEPwd:               "remotepasswordremotepassword",
			FingerprintAlgorithm: cert.Algorithm,
			Fingerprint:          cert.Fingerprint,
		},
		Kinds: []string{sdp.KindAudio, sdp.KindVideo},
	})
	if err != nil {
		t.Fatalf("BuildOffer: %v", err)
	}
	return offer
}

func candidateN(n int) ice.Candidate {
	addrs := []string{"192.168.1.2", "192.168.1.3", "192.168.1.4", "192.168.1.5"}
	return ice.NewCandidate("candidate:1 1 udp 2130706431 "+addrs[n]+" 50000 typ host", "0", 0)
}

func TestEndToEndOfferer(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.n.CreatePeerConnection(); err != nil {
		t.Fatalf("CreatePeerConnection: %v", err)
	}
	offer, err := h.n.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := h.n.SetRemoteDescription(remoteAnswer(t, offer.SDP), sdp.TypeAnswer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.n.AddICECandidate(candidateN(i)); err != nil {
			t.Fatalf("AddICECandidate %d: %v", i, err)
		}
	}

	// Descriptions alone must not connect.
	if got := h.n.State(); got != StateConnecting {
		t.Fatalf("state after SDP exchange = %v, want connecting", got)
	}

	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateConnected)
	a.state(ice.StateCompleted)

	cands := h.remoteCandidates()
	if len(cands) != 3 {
		t.Fatalf("expected 3 remote candidate events, got %d", len(cands))
	}
	for i, c := range cands {
		if c.Candidate != candidateN(i).Candidate {
			t.Fatalf("candidate %d out of order: %s", i, c.Candidate)
		}
	}

	states := h.connectionStates()
	connected := 0
	for _, s := range states {
		if s == StateConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Fatalf("expected exactly one Connected notification, got %v", states)
	}
	if h.n.State() != StateConnected {
		t.Fatalf("state = %v, want connected", h.n.State())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connects != 1 || !a.controlling || a.remoteUfrag != "remoteUfrag" {
		t.Fatalf("unexpected connect: %d controlling=%v ufrag=%q", a.connects, a.controlling, a.remoteUfrag)
	}
	if a.gathered != 1 {
		t.Fatalf("CreateOffer should start gathering once, got %d", a.gathered)
	}
	if len(a.remote) != 3 {
		t.Fatalf("agent received %d remote candidates", len(a.remote))
	}
}

func TestICEConnectedBeforeAnswerWaitsForDescriptions(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	offer, _ := h.n.CreateOffer()

	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateConnected)
	if got := h.n.State(); got != StateConnecting {
		t.Fatalf("ICE alone must not connect, state = %v", got)
	}

	if err := h.n.SetRemoteDescription(remoteAnswer(t, offer.SDP), sdp.TypeAnswer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if got := h.n.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestMalformedRemoteOfferKeepsConnecting(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()

	err := h.n.SetRemoteDescription("v=0\r\nthis is not sdp", sdp.TypeOffer)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *sdp.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *sdp.ValidationError in chain, got %v", err)
	}
	if err := h.n.SetRemoteDescription("", sdp.TypeOffer); err == nil {
		t.Fatal("empty SDP must be rejected")
	}

	if got := h.n.State(); got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}
	if got := h.n.SignalingState(); got != SignalingStable {
		t.Fatalf("signaling = %v, want stable", got)
	}
	h.bus.Sync()
	if got := len(h.rec.Named("error")); got != 2 {
		t.Fatalf("expected 2 error events, got %d", got)
	}
	for _, s := range h.connectionStates() {
		if s == StateFailed {
			t.Fatal("validation failure must not fail the connection")
		}
	}
}

func TestCreatePeerConnectionWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.n.CreatePeerConnection(); err != nil {
		t.Fatalf("CreatePeerConnection: %v", err)
	}
	if _, err := h.n.CreatePeerConnection(); !errors.Is(err, ErrPeerConnectionExists) {
		t.Fatalf("second CreatePeerConnection = %v, want ErrPeerConnectionExists", err)
	}

	h.n.ClosePeerConnection()
	if _, err := h.n.CreatePeerConnection(); err != nil {
		t.Fatalf("CreatePeerConnection after close: %v", err)
	}
	snap, ok := h.n.Snapshot()
	if !ok || snap.Generation != 2 {
		t.Fatalf("expected generation 2, got %+v", snap)
	}
	if len(h.media.bound) != 3 || h.media.bound[0] != 1 || h.media.bound[1] != 0 || h.media.bound[2] != 2 {
		t.Fatalf("unexpected media bindings %v", h.media.bound)
	}
}

func TestCandidatesAfterCloseAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	h.n.CreateOffer()
	old := h.agent()
	h.n.ClosePeerConnection()

	if err := h.n.AddICECandidate(candidateN(0)); err != nil {
		t.Fatalf("AddICECandidate after close should be silently ignored, got %v", err)
	}
	// Late callbacks from the closed agent are stale.
	old.candidate("candidate:1 1 udp 2130706431 10.0.0.9 5000 typ host")
	old.state(ice.StateConnected)

	h.bus.Sync()
	if got := len(h.rec.Named("ice-candidate")); got != 0 {
		t.Fatalf("expected no candidate events, got %d", got)
	}
	if !old.closed {
		t.Fatal("agent should be closed")
	}
	if h.n.State() != StateDisconnected || h.n.ICEState() != ice.StateClosed {
		t.Fatalf("unexpected state after close: %v / %v", h.n.State(), h.n.ICEState())
	}

	// Second close is a no-op.
	before := len(h.rec.Events())
	h.n.ClosePeerConnection()
	h.bus.Sync()
	if len(h.rec.Events()) != before {
		t.Fatal("closing twice should not emit")
	}
}

func TestCandidatesAfterFailureAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateFailed)
	h.bus.Sync()
	before := len(h.rec.Events())

	if err := h.n.AddICECandidate(candidateN(0)); err != nil {
		t.Fatalf("late candidate should be silently ignored, got %v", err)
	}
	if err := h.n.AddICECandidate(ice.Candidate{}); err != nil {
		t.Fatalf("late invalid candidate should be silently ignored, got %v", err)
	}

	h.bus.Sync()
	if got := len(h.rec.Events()); got != before {
		t.Fatalf("expected no events, got %d new", got-before)
	}
	if len(h.rec.Named("ice-candidate")) != 0 || len(a.remote) != 0 {
		t.Fatal("late candidate must not reach the agent")
	}
	if h.n.State() != StateFailed {
		t.Fatalf("state = %v, want failed", h.n.State())
	}
}

func TestCandidatesIgnoredWithoutConnection(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.n.AddICECandidate(candidateN(0)); err != nil {
		t.Fatalf("expected silent ignore, got %v", err)
	}
	h.bus.Sync()
	if len(h.rec.Events()) != 0 {
		t.Fatal("no events expected")
	}
}

func TestAddICECandidateValidationAndDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()

	err := h.n.AddICECandidate(ice.Candidate{Candidate: ""})
	if !apperr.IsKind(err, apperr.KindValidation) || !errors.Is(err, ice.ErrEmptyCandidate) {
		t.Fatalf("expected validation error, got %v", err)
	}

	c := candidateN(1)
	h.n.AddICECandidate(c)
	h.n.AddICECandidate(c)
	if got := len(h.remoteCandidates()); got != 1 {
		t.Fatalf("duplicate should be dropped, got %d events", got)
	}
	snap, _ := h.n.Snapshot()
	if len(snap.RemoteCandidates) != 1 || snap.RemoteCandidates[0].Generation != 1 {
		t.Fatalf("unexpected remote candidates %+v", snap.RemoteCandidates)
	}
	if h.n.State() != StateConnecting {
		t.Fatal("bad candidate must not change state")
	}
}

func TestOfferSupersedesPendingOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()

	first, _ := h.n.CreateOffer()
	h.media.kinds = []string{sdp.KindAudio}
	second, err := h.n.CreateOffer()
	if err != nil {
		t.Fatalf("second CreateOffer: %v", err)
	}
	if first.SDP == second.SDP {
		t.Fatal("second offer should differ")
	}
	snap, _ := h.n.Snapshot()
	if snap.LocalDescription == nil || snap.LocalDescription.SDP != second.SDP {
		t.Fatal("pending offer should be replaced")
	}
	if snap.SignalingState != SignalingHaveLocalOffer || !snap.IsOfferer {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if got := h.agent().gathered; got != 1 {
		t.Fatalf("gathering should start once, got %d", got)
	}
	h.bus.Sync()
	if got := len(h.rec.Named("offer-created")); got != 2 {
		t.Fatalf("expected 2 offer events, got %d", got)
	}
}

func TestAnswererFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.media.kinds = []string{sdp.KindAudio}
	h.n.CreatePeerConnection()

	offer := remoteOffer(t)
	answer, err := h.n.CreateAnswer(offer)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	op, _ := sdp.Parse(offer)
	ap, err := sdp.Parse(answer.SDP)
	if err != nil {
		t.Fatalf("answer invalid: %v", err)
	}
	if len(ap.Sections) != len(op.Sections) {
		t.Fatalf("answer has %d sections, offer %d", len(ap.Sections), len(op.Sections))
	}

	snap, _ := h.n.Snapshot()
	if snap.IsOfferer || snap.SignalingState != SignalingStable || snap.Round != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	a := h.agent()
	if a.connects != 1 || a.controlling {
		t.Fatalf("answerer should connect as controlled, connects=%d controlling=%v", a.connects, a.controlling)
	}

	a.state(ice.StateChecking)
	a.state(ice.StateConnected)
	if h.n.State() != StateConnected {
		t.Fatalf("state = %v, want connected", h.n.State())
	}
	h.bus.Sync()
	if got := len(h.rec.Named("answer-created")); got != 1 {
		t.Fatalf("expected 1 answer event, got %d", got)
	}
}

func TestRemoteRestartNeedsNewConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	if _, err := h.n.CreateAnswer(remoteOffer(t)); err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateConnected)

	fresh := remoteOfferFrom(t, "freshUfrag")
	if h.n.RemoteRestarted(remoteOffer(t)) {
		t.Fatal("same remote session reported as restarted")
	}
	if !h.n.RemoteRestarted(fresh) {
		t.Fatal("new remote session not detected")
	}

	_, err := h.n.CreateAnswer(fresh)
	if !errors.Is(err, ErrRemoteRestarted) || !apperr.IsKind(err, apperr.KindNegotiation) {
		t.Fatalf("expected a negotiation error, got %v", err)
	}
	if a.connects != 1 || a.remoteUfrag != "remoteUfrag" {
		t.Fatalf("agent should be untouched, connects=%d ufrag=%q", a.connects, a.remoteUfrag)
	}
	snap, _ := h.n.Snapshot()
	if snap.SignalingState != SignalingStable || snap.Round != 1 {
		t.Fatalf("rejected offer must not be applied, got %+v", snap)
	}
	h.bus.Sync()
	if got := len(h.rec.Named("answer-created")); got != 1 {
		t.Fatalf("expected only the first answer, got %d", got)
	}
	errs := h.rec.Named("error")
	if len(errs) != 1 || !errors.Is(errs[0].(events.Error).Err, ErrRemoteRestarted) {
		t.Fatalf("expected the restart as an error event, got %v", errs)
	}

	// A fresh connection accepts the new session.
	h.n.ClosePeerConnection()
	if _, err := h.n.CreatePeerConnection(); err != nil {
		t.Fatalf("CreatePeerConnection: %v", err)
	}
	if h.n.RemoteRestarted(fresh) {
		t.Fatal("a connection without checks has nothing to restart")
	}
	if _, err := h.n.CreateAnswer(fresh); err != nil {
		t.Fatalf("CreateAnswer on new connection: %v", err)
	}
	if got := h.agent().remoteUfrag; got != "freshUfrag" {
		t.Fatalf("new agent checks against %q", got)
	}
}

func TestCreateAnswerWithoutOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	if _, err := h.n.CreateAnswer(""); !errors.Is(err, ErrNoRemoteOffer) {
		t.Fatalf("expected ErrNoRemoteOffer, got %v", err)
	}
}

func TestSignalingStateViolations(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	offer, _ := h.n.CreateOffer()

	// Answer without a remote offer.
	if err := h.n.SetLocalDescription(offer.SDP, sdp.TypeAnswer); !errors.Is(err, ErrInvalidSignalingState) {
		t.Fatalf("expected ErrInvalidSignalingState, got %v", err)
	}
	// Glare: remote offer while our offer is pending.
	if err := h.n.SetRemoteDescription(remoteOffer(t), sdp.TypeOffer); !errors.Is(err, ErrInvalidSignalingState) {
		t.Fatalf("expected ErrInvalidSignalingState, got %v", err)
	}
	if err := h.n.SetRemoteDescription(remoteOffer(t), sdp.Type(9)); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("unknown type should be a validation error, got %v", err)
	}

	h.bus.Sync()
	errs := h.rec.Named("error")
	if len(errs) != 3 {
		t.Fatalf("expected every rejection as an error event, got %d", len(errs))
	}
	for _, ev := range errs[:2] {
		err := ev.(events.Error).Err
		if !errors.Is(err, ErrInvalidSignalingState) || !apperr.IsKind(err, apperr.KindValidation) {
			t.Fatalf("unexpected error event %v", err)
		}
	}
	if h.n.SignalingState() != SignalingHaveLocalOffer {
		t.Fatalf("rejections must not move signaling, got %v", h.n.SignalingState())
	}
}

func TestICEFailureFailsConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateFailed)

	if h.n.State() != StateFailed {
		t.Fatalf("state = %v, want failed", h.n.State())
	}
	if !a.closed {
		t.Fatal("failed agent should be released")
	}
	h.bus.Sync()
	errs := h.rec.Named("error")
	if len(errs) != 1 || !apperr.IsKind(errs[0].(events.Error).Err, apperr.KindNegotiation) {
		t.Fatalf("expected one negotiation error, got %v", errs)
	}
	// The reason precedes the Failed state.
	var order []string
	for _, ev := range h.rec.Events() {
		switch e := ev.(type) {
		case events.Error:
			order = append(order, "error")
		case ConnectionStateChanged:
			if e.State == StateFailed {
				order = append(order, "failed")
			}
		}
	}
	if len(order) != 2 || order[0] != "error" || order[1] != "failed" {
		t.Fatalf("event order = %v, want [error failed]", order)
	}

	// A failed connection does not block a new one.
	if _, err := h.n.CreatePeerConnection(); err != nil {
		t.Fatalf("CreatePeerConnection after failure: %v", err)
	}
}

func TestICEDisconnectedDoesNotFail(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	offer, _ := h.n.CreateOffer()
	h.n.SetRemoteDescription(remoteAnswer(t, offer.SDP), sdp.TypeAnswer)

	a := h.agent()
	a.state(ice.StateChecking)
	a.state(ice.StateConnected)
	a.state(ice.StateDisconnected)
	if h.n.State() != StateConnected {
		t.Fatalf("disconnected ICE should keep the connection, got %v", h.n.State())
	}
	a.state(ice.StateConnected)

	connected := 0
	for _, s := range h.connectionStates() {
		if s == StateConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Fatalf("recovery must not re-announce Connected, got %d", connected)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConnectTimeout = 20 * time.Millisecond })
	h.n.CreatePeerConnection()
	offer, _ := h.n.CreateOffer()
	h.n.SetRemoteDescription(remoteAnswer(t, offer.SDP), sdp.TypeAnswer)

	deadline := time.Now().Add(2 * time.Second)
	for h.n.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatal("connection did not time out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.bus.Sync()
	errs := h.rec.Named("error")
	if len(errs) != 1 || !apperr.IsKind(errs[0].(events.Error).Err, apperr.KindTimeout) {
		t.Fatalf("expected one timeout error, got %v", errs)
	}
}

func TestLocalCandidatesAndGathering(t *testing.T) {
	h := newHarness(t, nil)
	h.n.CreatePeerConnection()
	h.n.CreateOffer()

	a := h.agent()
	a.candidate("candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host")
	a.candidate("candidate:2 1 udp 1694498815 203.0.113.1 6000 typ srflx raddr 10.0.0.1 rport 5000")
	a.candidate("")

	h.bus.Sync()
	var local []ice.Candidate
	for _, ev := range h.rec.Named("ice-candidate") {
		if c := ev.(ICECandidate); !c.Remote {
			local = append(local, c.Candidate)
		}
	}
	if len(local) != 2 || local[0].Mid() != "0" || local[0].Generation != 1 {
		t.Fatalf("unexpected local candidates %+v", local)
	}
	if got := len(h.rec.Named("gathering-complete")); got != 1 {
		t.Fatalf("expected gathering-complete once, got %d", got)
	}
}

func TestHealthWarnings(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.HealthInterval = 5 * time.Millisecond
		c.WarningRTT = 100 * time.Millisecond
		c.CriticalRTT = 400 * time.Millisecond
	})
	h.n.CreatePeerConnection()
	offer, _ := h.n.CreateOffer()
	h.n.SetRemoteDescription(remoteAnswer(t, offer.SDP), sdp.TypeAnswer)

	a := h.agent()
	a.mu.Lock()
	a.rtt = 250 * time.Millisecond
	a.mu.Unlock()
	a.state(ice.StateChecking)
	a.state(ice.StateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.bus.Sync()
		if w := h.rec.Named("quality-warning"); len(w) > 0 {
			if got := w[0].(QualityWarning).Level; got != HealthWarning {
				t.Fatalf("level = %v, want warning", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no quality warning published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.n.ClosePeerConnection()
}

func TestRTTBuffer(t *testing.T) {
	b := newRTTBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Add(time.Duration(i) * time.Millisecond)
	}
	all := b.All()
	if len(all) != 3 || all[0] != 3*time.Millisecond || all[2] != 5*time.Millisecond {
		t.Fatalf("unexpected buffer contents %v", all)
	}
	if got := ema([]time.Duration{100, 100, 100}); got != 100 {
		t.Fatalf("ema of constant = %v", got)
	}
}
