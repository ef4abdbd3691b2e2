// Package signaling carries offers, answers and trickled candidates to the
// remote peer as JSON-RPC 2.0 frames over a websocket.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/mikeyg42/meetsession/internal/ice"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// JSON-RPC methods. peer-joined and peer-left are sent by the relay.
const (
	MethodJoin       = "join"
	MethodLeave      = "leave"
	MethodOffer      = "offer"
	MethodAnswer     = "answer"
	MethodTrickle    = "trickle"
	MethodPeerJoined = "peer-joined"
	MethodPeerLeft   = "peer-left"
)

type Join struct {
	SID string `json:"sid"`
	UID string `json:"uid,omitempty"`
}

type SendOffer struct {
	SID   string                     `json:"sid"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

type SendAnswer struct {
	SID    string                     `json:"sid"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

type Trickle struct {
	Target    int                      `json:"target"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// Peer announces another participant of the room.
type Peer struct {
	SID string `json:"sid"`
	UID string `json:"uid"`
}

// NewRequest builds a frame. Trickles and relay announcements are
// notifications; everything else carries an ID.
func NewRequest(method string, params interface{}) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{Method: method}
	switch method {
	case MethodTrickle, MethodPeerJoined, MethodPeerLeft:
		req.Notif = true
	default:
		req.ID = jsonrpc2.ID{Num: uint64(uuid.New().ID())}
	}
	if params != nil {
		if err := req.SetParams(params); err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
	}
	return req, nil
}

// DecodeParams unmarshals a frame's params into v.
func DecodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return fmt.Errorf("%s: missing params", req.Method)
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return fmt.Errorf("%s: bad params: %w", req.Method, err)
	}
	return nil
}

func sessionDescription(desc sdp.Description) *webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if desc.Type == sdp.TypeAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return &webrtc.SessionDescription{Type: typ, SDP: desc.SDP}
}

func candidateInit(c ice.Candidate) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromCandidateInit(init *webrtc.ICECandidateInit) ice.Candidate {
	if init == nil {
		return ice.Candidate{}
	}
	return ice.Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}
