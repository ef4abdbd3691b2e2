package signaling

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/negotiator"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// Session is the part of the negotiator the bridge drives.
type Session interface {
	CreatePeerConnection() (uuid.UUID, error)
	CreateOffer() (sdp.Description, error)
	CreateAnswer(remoteOffer string) (sdp.Description, error)
	SetRemoteDescription(raw string, typ sdp.Type) error
	AddICECandidate(c ice.Candidate) error
	ClosePeerConnection()
	State() negotiator.ConnectionState
	RemoteRestarted(remoteOffer string) bool
}

// Sender delivers local descriptions and candidates to the remote peer.
type Sender interface {
	SendOffer(desc sdp.Description) error
	SendAnswer(desc sdp.Description) error
	SendCandidate(c ice.Candidate) error
}

// Bridge joins a negotiator to the signaling channel: local offers,
// answers and candidates go out, remote ones are applied. When Offerer is
// set the bridge offers to every peer that joins.
type Bridge struct {
	session Session
	sender  Sender
	bus     *events.Bus
	logger  *zap.Logger
	offerer bool

	mu    sync.Mutex
	token events.Token
	peer  string
}

func NewBridge(session Session, sender Sender, bus *events.Bus, offerer bool, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		session: session,
		sender:  sender,
		bus:     bus,
		offerer: offerer,
		logger:  logger.Named("bridge"),
	}
}

// Start forwards negotiator events to the sender until Stop.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == 0 {
		b.token = b.bus.Subscribe(b.forward)
	}
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != 0 {
		b.bus.Unsubscribe(b.token)
		b.token = 0
	}
}

func (b *Bridge) forward(ev events.Event) {
	var err error
	switch e := ev.(type) {
	case negotiator.OfferCreated:
		err = b.sender.SendOffer(e.Description)
	case negotiator.AnswerCreated:
		err = b.sender.SendAnswer(e.Description)
	case negotiator.ICECandidate:
		if e.Remote {
			return
		}
		err = b.sender.SendCandidate(e.Candidate)
	default:
		return
	}
	if err != nil {
		b.logger.Warn("Failed to signal", zap.String("event", ev.EventName()), zap.Error(err))
		b.bus.Publish(events.Error{Source: "signaling", Err: err})
	}
}

// Offer opens a peer connection when none is open and sends an offer.
func (b *Bridge) Offer() error {
	if !b.session.State().Open() {
		if _, err := b.session.CreatePeerConnection(); err != nil {
			return err
		}
	}
	_, err := b.session.CreateOffer()
	return err
}

// Renegotiate replaces the current connection. The offerer sends a new
// offer; the answerer waits for one.
func (b *Bridge) Renegotiate() error {
	b.session.ClosePeerConnection()
	if !b.offerer {
		_, err := b.session.CreatePeerConnection()
		return err
	}
	return b.Offer()
}

func (b *Bridge) HandlePeerJoined(uid string) {
	b.mu.Lock()
	b.peer = uid
	b.mu.Unlock()

	b.logger.Info("Peer joined", zap.String("peer", uid), zap.Bool("offerer", b.offerer))
	if !b.offerer {
		return
	}
	if err := b.Offer(); err != nil {
		b.logger.Warn("Could not offer to new peer", zap.String("peer", uid), zap.Error(err))
	}
}

func (b *Bridge) HandlePeerLeft(uid string) {
	b.mu.Lock()
	current := b.peer == uid
	if current {
		b.peer = ""
	}
	b.mu.Unlock()

	b.logger.Info("Peer left", zap.String("peer", uid))
	if current {
		b.session.ClosePeerConnection()
	}
}

// HandleOffer answers a remote offer. An offer from a restarted remote
// replaces the connection instead of being applied to it.
func (b *Bridge) HandleOffer(raw string) {
	if b.session.State().Open() && b.session.RemoteRestarted(raw) {
		b.logger.Info("Remote ICE session changed, replacing peer connection")
		b.session.ClosePeerConnection()
	}
	if !b.session.State().Open() {
		if _, err := b.session.CreatePeerConnection(); err != nil {
			b.logger.Warn("Could not open peer connection for offer", zap.Error(err))
			return
		}
	}
	if _, err := b.session.CreateAnswer(raw); err != nil {
		b.logger.Warn("Could not answer offer", zap.Error(err))
	}
}

func (b *Bridge) HandleAnswer(raw string) {
	if err := b.session.SetRemoteDescription(raw, sdp.TypeAnswer); err != nil {
		b.logger.Warn("Could not apply answer", zap.Error(err))
	}
}

func (b *Bridge) HandleCandidate(c ice.Candidate) {
	err := b.session.AddICECandidate(c)
	if err != nil && !apperr.IsKind(err, apperr.KindValidation) && !errors.Is(err, negotiator.ErrNoPeerConnection) {
		b.logger.Warn("Could not add remote candidate", zap.Error(err))
	}
}
