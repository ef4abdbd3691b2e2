package negotiator

import "errors"

var (
	ErrPeerConnectionExists  = errors.New("negotiator: peer connection already open")
	ErrNoPeerConnection      = errors.New("negotiator: no peer connection")
	ErrInvalidSignalingState = errors.New("negotiator: description not allowed in current signaling state")
	ErrNoRemoteOffer         = errors.New("negotiator: no remote offer to answer")
	ErrRemoteRestarted       = errors.New("negotiator: remote ICE credentials changed on a running connection")
)
