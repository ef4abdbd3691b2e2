// Package ice holds the candidate and connection-state model used by the
// negotiator, and the pion/ice backed agent that does the real work.
package ice

import (
	"errors"
	"fmt"
	"strings"

	pionice "github.com/pion/ice/v4"
)

var (
	ErrEmptyCandidate = errors.New("ice: candidate string is empty")
	ErrNoMediaID      = errors.New("ice: candidate has neither sdpMid nor sdpMLineIndex")
	ErrBadCandidate   = errors.New("ice: candidate does not parse")
)

// Candidate is a transport address offered by one side, as carried in
// signaling. Values are immutable once created.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16

	// Generation is the peer-connection generation the candidate was
	// accepted under. Zero until accepted.
	Generation uint64
}

// NewCandidate builds a Candidate bound to a media section.
func NewCandidate(candidate, mid string, mlineIndex uint16) Candidate {
	return Candidate{Candidate: candidate, SDPMid: &mid, SDPMLineIndex: &mlineIndex}
}

// Validate checks the fields a remote peer controls.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.Candidate) == "" {
		return ErrEmptyCandidate
	}
	if (c.SDPMid == nil || *c.SDPMid == "") && c.SDPMLineIndex == nil {
		return ErrNoMediaID
	}
	if _, err := pionice.UnmarshalCandidate(c.Candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	return nil
}

// Same reports whether two candidates describe the same address for the
// same media section. Generation is ignored.
func (c Candidate) Same(o Candidate) bool {
	if c.Candidate != o.Candidate {
		return false
	}
	if (c.SDPMid == nil) != (o.SDPMid == nil) || (c.SDPMid != nil && *c.SDPMid != *o.SDPMid) {
		return false
	}
	if (c.SDPMLineIndex == nil) != (o.SDPMLineIndex == nil) ||
		(c.SDPMLineIndex != nil && *c.SDPMLineIndex != *o.SDPMLineIndex) {
		return false
	}
	return true
}

// Mid returns the media id or "" when unset.
func (c Candidate) Mid() string {
	if c.SDPMid == nil {
		return ""
	}
	return *c.SDPMid
}

func (c Candidate) String() string {
	idx := "-"
	if c.SDPMLineIndex != nil {
		idx = fmt.Sprint(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s [mid=%s idx=%s gen=%d]", c.Candidate, c.Mid(), idx, c.Generation)
}
