// Package negotiator owns one peer connection at a time: its connection,
// ICE and signaling state machines, the offer/answer exchange and the ICE
// candidate lifecycle.
//
// Public methods update state synchronously under a mutex and never wait
// on the network. Every change is also published on the events bus, in the
// order the changes happened. Agent callbacks are tagged with the
// generation they were registered for; callbacks from an older generation
// are dropped, so nothing leaks across ClosePeerConnection.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

const eventSource = "negotiator"

// LocalMedia is the media session as seen from the negotiator.
type LocalMedia interface {
	// ActiveKinds returns the SDP media kinds with a live local source.
	ActiveKinds() []string
	// Bind ties local streams to a peer-connection generation; 0 unbinds.
	Bind(generation uint64)
}

// Config wires a Negotiator.
type Config struct {
	Logger   *zap.Logger
	Bus      *events.Bus
	NewAgent ice.AgentFactory
	Media    LocalMedia

	// NewCertificate defaults to sdp.NewCertificate.
	NewCertificate func() (*sdp.Certificate, error)

	// ConnectTimeout bounds the time from starting connectivity checks to
	// Connected. Zero disables it.
	ConnectTimeout time.Duration

	// Health sampling of the selected pair. Zero interval disables it.
	HealthInterval time.Duration
	WarningRTT     time.Duration
	CriticalRTT    time.Duration
}

// PeerConnection is a snapshot of the current connection.
type PeerConnection struct {
	ID                 uuid.UUID
	Generation         uint64
	ConnectionState    ConnectionState
	ICEConnectionState ice.ConnectionState
	SignalingState     SignalingState
	LocalDescription   *sdp.Description
	RemoteDescription  *sdp.Description
	LocalCandidates    []ice.Candidate
	RemoteCandidates   []ice.Candidate
	IsOfferer          bool
	Round              uint64
}

type peerConn struct {
	id         uuid.UUID
	generation uint64

	state     ConnectionState
	iceState  ice.ConnectionState
	signaling SignalingState

	local        *sdp.Description
	remote       *sdp.Description
	remoteParsed *sdp.Parsed
	bundleMid    string

	localCands  []ice.Candidate
	remoteCands []ice.Candidate
	isOfferer   bool
	round       uint64

	agent     ice.Agent
	identity  sdp.Identity
	gathering bool

	connectStarted bool
	connectUfrag   string
	connected      bool

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// Negotiator drives one peer connection at a time.
type Negotiator struct {
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus

	mu         sync.Mutex
	pc         *peerConn
	generation uint64
}

// New returns a Negotiator with no peer connection.
func New(cfg Config) (*Negotiator, error) {
	if cfg.Bus == nil {
		return nil, errors.New("negotiator: events bus is required")
	}
	if cfg.NewAgent == nil {
		return nil, errors.New("negotiator: agent factory is required")
	}
	if cfg.NewCertificate == nil {
		cfg.NewCertificate = sdp.NewCertificate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{cfg: cfg, logger: logger.Named("negotiator"), bus: cfg.Bus}, nil
}

// CreatePeerConnection opens a new connection in Connecting. It is
// rejected while another connection is Connecting or Connected.
func (n *Negotiator) CreatePeerConnection() (uuid.UUID, error) {
	n.mu.Lock()
	if n.pc != nil && n.pc.state.Open() {
		n.mu.Unlock()
		return uuid.Nil, ErrPeerConnectionExists
	}

	agent, err := n.cfg.NewAgent()
	if err != nil {
		n.mu.Unlock()
		return uuid.Nil, n.report(0, apperr.Negotiation("createPeerConnection", err))
	}
	cert, err := n.cfg.NewCertificate()
	if err != nil {
		n.mu.Unlock()
		_ = agent.Close()
		return uuid.Nil, n.report(0, apperr.Negotiation("createPeerConnection", err))
	}
	ufrag, pwd, err := agent.LocalCredentials()
	if err != nil {
		n.mu.Unlock()
		_ = agent.Close()
		return uuid.Nil, n.report(0, apperr.Negotiation("createPeerConnection", err))
	}

	n.generation++
	gen := n.generation
	ctx, cancel := context.WithCancel(context.Background())
	pc := &peerConn{
		id:         uuid.New(),
		generation: gen,
		state:      StateConnecting,
		iceState:   ice.StateNew,
		signaling:  SignalingStable,
		agent:      agent,
		identity: sdp.Identity{
			ICEUfrag:             ufrag,
			ICEPwd:               pwd,
			FingerprintAlgorithm: cert.Algorithm,
			Fingerprint:          cert.Fingerprint,
		},
		bundleMid: "0",
		ctx:       ctx,
		cancel:    cancel,
	}
	n.pc = pc

	agent.OnCandidate(func(c string) { n.onLocalCandidate(gen, c) })
	agent.OnStateChange(func(s ice.ConnectionState) { n.onICEState(gen, s) })

	n.logger.Info("Peer connection created",
		zap.String("id", pc.id.String()),
		zap.Uint64("generation", gen))
	n.bus.Publish(ConnectionStateChanged{ID: pc.id, Generation: gen, State: StateConnecting})
	n.mu.Unlock()

	if n.cfg.Media != nil {
		n.cfg.Media.Bind(gen)
	}
	return pc.id, nil
}

// CreateOffer builds and applies a local offer. A second call before the
// answer arrives supersedes the pending offer. Gathering starts if it has
// not already.
func (n *Negotiator) CreateOffer() (sdp.Description, error) {
	kinds := n.localKinds()

	n.mu.Lock()
	pc := n.pc
	if pc == nil || !pc.state.Open() {
		n.mu.Unlock()
		return sdp.Description{}, ErrNoPeerConnection
	}
	raw, err := sdp.BuildOffer(sdp.OfferOptions{Identity: pc.identity, Kinds: kinds})
	if err != nil {
		n.mu.Unlock()
		return sdp.Description{}, n.report(pc.generation, apperr.Negotiation("createOffer", err))
	}
	desc := sdp.Description{Type: sdp.TypeOffer, SDP: raw}
	if err := n.setLocalLocked(pc, desc); err != nil {
		n.mu.Unlock()
		return sdp.Description{}, err
	}
	n.bus.Publish(OfferCreated{Generation: pc.generation, Description: desc})
	n.mu.Unlock()

	if err := n.GatherICECandidates(); err != nil {
		return desc, err
	}
	return desc, nil
}

// CreateAnswer applies remoteOffer and answers it, mirroring its media
// sections. With an empty remoteOffer the already applied remote offer is
// answered.
func (n *Negotiator) CreateAnswer(remoteOffer string) (sdp.Description, error) {
	kinds := n.localKinds()

	n.mu.Lock()
	pc := n.pc
	if pc == nil || !pc.state.Open() {
		n.mu.Unlock()
		return sdp.Description{}, ErrNoPeerConnection
	}
	if remoteOffer != "" {
		if err := n.setRemoteLocked(pc, sdp.Description{Type: sdp.TypeOffer, SDP: remoteOffer}); err != nil {
			n.mu.Unlock()
			return sdp.Description{}, err
		}
	}
	if pc.signaling != SignalingHaveRemoteOffer || pc.remoteParsed == nil {
		n.mu.Unlock()
		return sdp.Description{}, n.report(pc.generation, apperr.Validation("createAnswer", ErrNoRemoteOffer))
	}

	raw, err := sdp.BuildAnswer(pc.remoteParsed, sdp.AnswerOptions{Identity: pc.identity, Kinds: kinds})
	if err != nil {
		n.mu.Unlock()
		return sdp.Description{}, n.report(pc.generation, apperr.Negotiation("createAnswer", err))
	}
	desc := sdp.Description{Type: sdp.TypeAnswer, SDP: raw}
	if err := n.setLocalLocked(pc, desc); err != nil {
		n.mu.Unlock()
		return sdp.Description{}, err
	}
	n.bus.Publish(AnswerCreated{Generation: pc.generation, Description: desc})
	n.mu.Unlock()

	if err := n.GatherICECandidates(); err != nil {
		return desc, err
	}
	return desc, nil
}

// RemoteRestarted reports whether remoteOffer comes from a different ICE
// session than the one the open connection is checking against. Such an
// offer is rejected by CreateAnswer; the caller has to replace the
// connection first.
func (n *Negotiator) RemoteRestarted(remoteOffer string) bool {
	parsed, err := sdp.Parse(remoteOffer)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	pc := n.pc
	if pc == nil || !pc.state.Open() || !pc.connectStarted {
		return false
	}
	return parsed.ICEUfrag != pc.connectUfrag
}

// SetLocalDescription applies a local description. Invalid SDP is
// reported and leaves all state untouched.
func (n *Negotiator) SetLocalDescription(raw string, typ sdp.Type) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc := n.pc
	if pc == nil || !pc.state.Open() {
		return ErrNoPeerConnection
	}
	return n.setLocalLocked(pc, sdp.Description{Type: typ, SDP: raw})
}

// SetRemoteDescription applies a remote description. Candidates embedded
// in it are added as remote candidates.
func (n *Negotiator) SetRemoteDescription(raw string, typ sdp.Type) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc := n.pc
	if pc == nil || !pc.state.Open() {
		return ErrNoPeerConnection
	}
	return n.setRemoteLocked(pc, sdp.Description{Type: typ, SDP: raw})
}

func (n *Negotiator) setLocalLocked(pc *peerConn, desc sdp.Description) error {
	const op = "setLocalDescription"
	parsed, err := sdp.Parse(desc.SDP)
	if err != nil {
		return n.reportLocked(pc.generation, apperr.Validation(op, err))
	}

	var next SignalingState
	switch {
	case desc.Type == sdp.TypeOffer && (pc.signaling == SignalingStable || pc.signaling == SignalingHaveLocalOffer):
		next = SignalingHaveLocalOffer
		pc.isOfferer = true
	case desc.Type == sdp.TypeAnswer && pc.signaling == SignalingHaveRemoteOffer:
		next = SignalingStable
	case desc.Type != sdp.TypeOffer && desc.Type != sdp.TypeAnswer:
		return n.reportLocked(pc.generation, apperr.Validation(op, fmt.Errorf("unknown description type %d", desc.Type)))
	default:
		return n.reportLocked(pc.generation, apperr.Validation(op,
			fmt.Errorf("%s in %s: %w", desc.Type, pc.signaling, ErrInvalidSignalingState)))
	}

	d := desc
	pc.local = &d
	if len(parsed.Sections) > 0 {
		pc.bundleMid = parsed.Sections[0].Mid
	}
	n.logger.Debug("Local description set",
		zap.Uint64("generation", pc.generation),
		zap.String("type", desc.Type.String()))
	n.setSignalingLocked(pc, next)
	return nil
}

func (n *Negotiator) setRemoteLocked(pc *peerConn, desc sdp.Description) error {
	const op = "setRemoteDescription"
	parsed, err := sdp.Parse(desc.SDP)
	if err != nil {
		return n.reportLocked(pc.generation, apperr.Validation(op, err))
	}

	// ICE restarts are not supported; a new remote session needs a new
	// connection.
	if pc.connectStarted && parsed.ICEUfrag != pc.connectUfrag {
		return n.reportLocked(pc.generation, apperr.Negotiation(op,
			fmt.Errorf("ufrag %q, checks use %q: %w", parsed.ICEUfrag, pc.connectUfrag, ErrRemoteRestarted)))
	}

	var next SignalingState
	switch {
	case desc.Type == sdp.TypeOffer && (pc.signaling == SignalingStable || pc.signaling == SignalingHaveRemoteOffer):
		next = SignalingHaveRemoteOffer
		pc.isOfferer = false
	case desc.Type == sdp.TypeAnswer && pc.signaling == SignalingHaveLocalOffer:
		next = SignalingStable
	case desc.Type != sdp.TypeOffer && desc.Type != sdp.TypeAnswer:
		return n.reportLocked(pc.generation, apperr.Validation(op, fmt.Errorf("unknown description type %d", desc.Type)))
	default:
		return n.reportLocked(pc.generation, apperr.Validation(op,
			fmt.Errorf("%s in %s: %w", desc.Type, pc.signaling, ErrInvalidSignalingState)))
	}

	d := desc
	pc.remote = &d
	pc.remoteParsed = parsed
	n.logger.Debug("Remote description set",
		zap.Uint64("generation", pc.generation),
		zap.String("type", desc.Type.String()),
		zap.Int("embeddedCandidates", len(parsed.Candidates)))

	for _, line := range parsed.Candidates {
		c := ice.NewCandidate(line.Candidate, line.Mid, line.MLineIndex)
		if err := c.Validate(); err != nil {
			n.logger.Warn("Skipping embedded candidate", zap.String("candidate", line.Candidate), zap.Error(err))
			continue
		}
		n.acceptRemoteLocked(pc, c)
	}
	n.setSignalingLocked(pc, next)
	return nil
}

func (n *Negotiator) setSignalingLocked(pc *peerConn, next SignalingState) {
	if pc.signaling != next {
		pc.signaling = next
		n.bus.Publish(SignalingStateChanged{Generation: pc.generation, State: next})
	}
	if next != SignalingStable || pc.local == nil || pc.remote == nil {
		return
	}
	pc.round++
	n.startConnectLocked(pc)
	n.maybeConnectedLocked(pc)
}

// startConnectLocked begins connectivity checks once per generation.
func (n *Negotiator) startConnectLocked(pc *peerConn) {
	ufrag, pwd := pc.remoteParsed.ICEUfrag, pc.remoteParsed.ICEPwd
	if pc.connectStarted || pc.agent == nil {
		return
	}
	if err := pc.agent.Connect(pc.ctx, pc.isOfferer, ufrag, pwd); err != nil {
		n.reportLocked(pc.generation, apperr.Negotiation("connect", err))
		return
	}
	pc.connectStarted = true
	pc.connectUfrag = ufrag
	n.logger.Info("Connectivity checks started",
		zap.Uint64("generation", pc.generation),
		zap.Bool("controlling", pc.isOfferer))

	if n.cfg.ConnectTimeout > 0 {
		gen := pc.generation
		pc.timer = time.AfterFunc(n.cfg.ConnectTimeout, func() { n.onConnectTimeout(gen) })
	}
}

// maybeConnectedLocked moves to Connected when both descriptions are
// current and ICE is up. It fires at most once per generation.
func (n *Negotiator) maybeConnectedLocked(pc *peerConn) {
	if pc.connected || pc.state != StateConnecting {
		return
	}
	if pc.signaling != SignalingStable || pc.local == nil || pc.remote == nil || !pc.iceState.Up() {
		return
	}
	pc.connected = true
	pc.state = StateConnected
	if pc.timer != nil {
		pc.timer.Stop()
	}
	n.logger.Info("Peer connection connected",
		zap.String("id", pc.id.String()),
		zap.Uint64("generation", pc.generation))
	n.bus.Publish(ConnectionStateChanged{ID: pc.id, Generation: pc.generation, State: StateConnected})
	n.startHealthLocked(pc)
}

func (n *Negotiator) startHealthLocked(pc *peerConn) {
	if n.cfg.HealthInterval <= 0 || pc.agent == nil {
		return
	}
	gen := pc.generation
	h := &healthMonitor{
		agent:    pc.agent,
		interval: n.cfg.HealthInterval,
		warning:  n.cfg.WarningRTT,
		critical: n.cfg.CriticalRTT,
		samples:  newRTTBuffer(rttBufferCapacity),
		logger:   n.logger,
		report: func(level HealthLevel, rtt time.Duration) {
			n.mu.Lock()
			defer n.mu.Unlock()
			if n.pc == nil || n.pc.generation != gen {
				return
			}
			n.bus.Publish(QualityWarning{Generation: gen, Level: level, RTT: rtt})
		},
	}
	go h.run(pc.ctx)
}

// AddICECandidate accepts a remote candidate while the connection is
// Connecting or Connected. In any other state it is silently ignored.
// Exact duplicates are dropped.
func (n *Negotiator) AddICECandidate(c ice.Candidate) error {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || !pc.state.Open() {
		n.mu.Unlock()
		n.logger.Debug("Ignoring candidate without an open peer connection")
		return nil
	}
	if err := c.Validate(); err != nil {
		err = n.reportLocked(pc.generation, apperr.Validation("addIceCandidate", err))
		n.mu.Unlock()
		return err
	}
	n.acceptRemoteLocked(pc, c)
	n.mu.Unlock()
	return nil
}

func (n *Negotiator) acceptRemoteLocked(pc *peerConn, c ice.Candidate) {
	for _, existing := range pc.remoteCands {
		if existing.Same(c) {
			return
		}
	}
	c.Generation = pc.generation
	pc.remoteCands = append(pc.remoteCands, c)
	if pc.agent != nil {
		if err := pc.agent.AddRemoteCandidate(c.Candidate); err != nil {
			n.logger.Warn("Agent rejected remote candidate", zap.String("candidate", c.Candidate), zap.Error(err))
		}
	}
	n.bus.Publish(ICECandidate{Generation: pc.generation, Candidate: c, Remote: true})
}

// GatherICECandidates starts local gathering, once per generation.
func (n *Negotiator) GatherICECandidates() error {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || !pc.state.Open() {
		n.mu.Unlock()
		return ErrNoPeerConnection
	}
	if pc.gathering || pc.agent == nil {
		n.mu.Unlock()
		return nil
	}
	pc.gathering = true
	agent, gen := pc.agent, pc.generation
	n.mu.Unlock()

	if err := agent.Gather(); err != nil {
		return n.report(gen, apperr.Negotiation("gatherIceCandidates", err))
	}
	return nil
}

// ClosePeerConnection tears the current connection down. It is a no-op
// when nothing is open.
func (n *Negotiator) ClosePeerConnection() {
	n.mu.Lock()
	pc := n.pc
	if pc == nil {
		n.mu.Unlock()
		return
	}
	n.pc = nil
	agent := n.releaseLocked(pc)

	if pc.state != StateDisconnected {
		n.bus.Publish(ConnectionStateChanged{ID: pc.id, Generation: pc.generation, State: StateDisconnected})
	}
	if pc.iceState != ice.StateClosed {
		n.bus.Publish(ICEStateChanged{Generation: pc.generation, State: ice.StateClosed})
	}
	if pc.signaling != SignalingClosed {
		n.bus.Publish(SignalingStateChanged{Generation: pc.generation, State: SignalingClosed})
	}
	n.logger.Info("Peer connection closed",
		zap.String("id", pc.id.String()),
		zap.Uint64("generation", pc.generation))
	n.mu.Unlock()

	n.closeAgent(agent)
	if n.cfg.Media != nil {
		n.cfg.Media.Bind(0)
	}
}

// releaseLocked stops timers and detaches the agent. The caller closes the
// returned agent after unlocking.
func (n *Negotiator) releaseLocked(pc *peerConn) ice.Agent {
	pc.cancel()
	if pc.timer != nil {
		pc.timer.Stop()
	}
	agent := pc.agent
	pc.agent = nil
	return agent
}

func (n *Negotiator) closeAgent(agent ice.Agent) {
	if agent == nil {
		return
	}
	if err := agent.Close(); err != nil {
		n.logger.Debug("Closing ICE agent", zap.Error(err))
	}
}

func (n *Negotiator) onLocalCandidate(gen uint64, raw string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc := n.pc
	if pc == nil || pc.generation != gen || !pc.state.Open() {
		return
	}
	if raw == "" {
		n.bus.Publish(GatheringComplete{Generation: gen})
		return
	}
	c := ice.NewCandidate(raw, pc.bundleMid, 0)
	c.Generation = gen
	pc.localCands = append(pc.localCands, c)
	n.bus.Publish(ICECandidate{Generation: gen, Candidate: c})
}

func (n *Negotiator) onICEState(gen uint64, s ice.ConnectionState) {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || pc.generation != gen || pc.iceState == s {
		n.mu.Unlock()
		return
	}
	if !ice.CanTransition(pc.iceState, s) {
		n.logger.Debug("Ignoring illegal ICE transition",
			zap.String("from", pc.iceState.String()),
			zap.String("to", s.String()))
		n.mu.Unlock()
		return
	}
	pc.iceState = s
	n.bus.Publish(ICEStateChanged{Generation: gen, State: s})

	var agent ice.Agent
	switch {
	case s.Up():
		n.maybeConnectedLocked(pc)
	case s == ice.StateDisconnected:
		n.logger.Warn("ICE disconnected; waiting for recovery", zap.Uint64("generation", gen))
	case s == ice.StateFailed, s == ice.StateClosed:
		agent = n.failLocked(pc, apperr.Negotiation("ice", fmt.Errorf("ICE connection %s", s)))
	}
	n.mu.Unlock()

	n.closeAgent(agent)
}

func (n *Negotiator) onConnectTimeout(gen uint64) {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || pc.generation != gen || pc.state != StateConnecting {
		n.mu.Unlock()
		return
	}
	agent := n.failLocked(pc, apperr.Timeout("connect",
		fmt.Errorf("not connected after %v", n.cfg.ConnectTimeout)))
	n.mu.Unlock()

	n.closeAgent(agent)
}

// failLocked moves an open connection to Failed and reports err. No retry
// is attempted here.
func (n *Negotiator) failLocked(pc *peerConn, err error) ice.Agent {
	if !pc.state.Open() {
		return nil
	}
	pc.state = StateFailed
	agent := n.releaseLocked(pc)
	n.logger.Error("Peer connection failed",
		zap.String("id", pc.id.String()),
		zap.Uint64("generation", pc.generation),
		zap.Error(err))
	// The reason goes out first so observers of Failed already have it.
	n.bus.Publish(events.Error{Source: eventSource, Generation: pc.generation, Err: err})
	n.bus.Publish(ConnectionStateChanged{ID: pc.id, Generation: pc.generation, State: StateFailed})
	return agent
}

// State returns the current connection state.
func (n *Negotiator) State() ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return StateDisconnected
	}
	return n.pc.state
}

// ICEState returns the current ICE connection state.
func (n *Negotiator) ICEState() ice.ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return ice.StateClosed
	}
	return n.pc.iceState
}

// SignalingState returns the current signaling state.
func (n *Negotiator) SignalingState() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return SignalingClosed
	}
	return n.pc.signaling
}

// Snapshot copies the current connection. ok is false when none exists.
func (n *Negotiator) Snapshot() (PeerConnection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pc := n.pc
	if pc == nil {
		return PeerConnection{ConnectionState: StateDisconnected, ICEConnectionState: ice.StateClosed, SignalingState: SignalingClosed}, false
	}
	snap := PeerConnection{
		ID:                 pc.id,
		Generation:         pc.generation,
		ConnectionState:    pc.state,
		ICEConnectionState: pc.iceState,
		SignalingState:     pc.signaling,
		LocalCandidates:    append([]ice.Candidate(nil), pc.localCands...),
		RemoteCandidates:   append([]ice.Candidate(nil), pc.remoteCands...),
		IsOfferer:          pc.isOfferer,
		Round:              pc.round,
	}
	if pc.local != nil {
		d := *pc.local
		snap.LocalDescription = &d
	}
	if pc.remote != nil {
		d := *pc.remote
		snap.RemoteDescription = &d
	}
	return snap, true
}

func (n *Negotiator) localKinds() []string {
	if n.cfg.Media == nil {
		return nil
	}
	return n.cfg.Media.ActiveKinds()
}

func (n *Negotiator) report(gen uint64, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reportLocked(gen, err)
}

// reportLocked returns err to the caller and publishes it as an error
// event. The connection state is not touched.
func (n *Negotiator) reportLocked(gen uint64, err error) error {
	n.logger.Warn("Operation failed", zap.Uint64("generation", gen), zap.Error(err))
	n.bus.Publish(events.Error{Source: eventSource, Generation: gen, Err: err})
	return err
}
