package negotiator

import (
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// Every event carries the generation of the peer connection it belongs to.

type ConnectionStateChanged struct {
	ID         uuid.UUID
	Generation uint64
	State      ConnectionState
}

func (ConnectionStateChanged) EventName() string { return "connection-state-changed" }

type ICEStateChanged struct {
	Generation uint64
	State      ice.ConnectionState
}

func (ICEStateChanged) EventName() string { return "ice-state-changed" }

type SignalingStateChanged struct {
	Generation uint64
	State      SignalingState
}

func (SignalingStateChanged) EventName() string { return "signaling-state-changed" }

type OfferCreated struct {
	Generation  uint64
	Description sdp.Description
}

func (OfferCreated) EventName() string { return "offer-created" }

type AnswerCreated struct {
	Generation  uint64
	Description sdp.Description
}

func (AnswerCreated) EventName() string { return "answer-created" }

// ICECandidate is published for every candidate accepted from the remote
// side (Remote=true) and every candidate gathered locally.
type ICECandidate struct {
	Generation uint64
	Candidate  ice.Candidate
	Remote     bool
}

func (ICECandidate) EventName() string { return "ice-candidate" }

type GatheringComplete struct {
	Generation uint64
}

func (GatheringComplete) EventName() string { return "gathering-complete" }

// QualityWarning reports a change in selected-pair round trip health.
type QualityWarning struct {
	Generation uint64
	Level      HealthLevel
	RTT        time.Duration
}

func (QualityWarning) EventName() string { return "quality-warning" }
