// Package sdp validates, inspects and builds the session descriptions
// exchanged during offer/answer.
//
// Parsing and serialisation are done by pion/sdp; this package adds the
// checks a description must pass before the negotiator accepts it, and the
// rules used to build an offer or mirror one into an answer.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Type is the role a description plays in the exchange.
type Type int

const (
	TypeOffer Type = iota + 1
	TypeAnswer
)

func (t Type) String() string {
	switch t {
	case TypeOffer:
		return "offer"
	case TypeAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// ParseType accepts "offer" or "answer", case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offer":
		return TypeOffer, nil
	case "answer":
		return TypeAnswer, nil
	default:
		return 0, &ValidationError{Field: "Type", Message: fmt.Sprintf("unknown description type %q", s)}
	}
}

// Description is an SDP blob plus its type. The blob is stored verbatim.
type Description struct {
	Type Type
	SDP  string
}

// Media kinds carried in m= lines.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// ValidationError reports why a description was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

// Codec is one rtpmap entry of a media section.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// Section summarises one m= line.
type Section struct {
	Kind      string
	Mid       string
	Port      int
	Protos    []string
	Formats   []string
	Direction pionsdp.Direction
	Codecs    []Codec
}

// CandidateLine is an a=candidate attribute found in a description.
type CandidateLine struct {
	Candidate  string // always carries the "candidate:" prefix
	Mid        string
	MLineIndex uint16
}

// Parsed is a validated description.
type Parsed struct {
	Sections    []Section
	ICEUfrag    string
	ICEPwd      string
	Fingerprint string
	Candidates  []CandidateLine
}

// Kinds returns the media kinds in m-line order.
func (p *Parsed) Kinds() []string {
	kinds := make([]string, 0, len(p.Sections))
	for _, s := range p.Sections {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

// HasKind reports whether any section carries kind.
func (p *Parsed) HasKind(kind string) bool {
	for _, s := range p.Sections {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// Validate reports whether raw is acceptable as a local or remote
// description. It returns a *ValidationError on failure.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

// Parse validates raw and extracts what the negotiator needs from it.
func Parse(raw string) (*Parsed, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ValidationError{Field: "SDP", Message: "is empty"}
	}
	// The lexer needs a terminated final line.
	if !strings.HasSuffix(raw, "\n") {
		raw += "\r\n"
	}

	var desc pionsdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return nil, &ValidationError{Field: "SDP", Message: fmt.Sprintf("malformed: %v", err)}
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, &ValidationError{Field: "Media", Message: "no media sections found"}
	}

	p := &Parsed{}
	sessUfrag, _ := desc.Attribute("ice-ufrag")
	sessPwd, _ := desc.Attribute("ice-pwd")
	sessFP, _ := desc.Attribute("fingerprint")

	var hasAudio, hasVideo bool
	for i, md := range desc.MediaDescriptions {
		sec := sectionOf(i, md)
		p.Sections = append(p.Sections, sec)

		switch sec.Kind {
		case KindAudio:
			hasAudio = true
		case KindVideo:
			hasVideo = true
		}

		if v, ok := md.Attribute("ice-ufrag"); ok && p.ICEUfrag == "" {
			p.ICEUfrag = v
		}
		if v, ok := md.Attribute("ice-pwd"); ok && p.ICEPwd == "" {
			p.ICEPwd = v
		}
		if v, ok := md.Attribute("fingerprint"); ok && p.Fingerprint == "" {
			p.Fingerprint = v
		}
		for _, a := range md.Attributes {
			if a.Key != pionsdp.AttrKeyCandidate {
				continue
			}
			p.Candidates = append(p.Candidates, CandidateLine{
				Candidate:  "candidate:" + a.Value,
				Mid:        sec.Mid,
				MLineIndex: uint16(i),
			})
		}
	}
	if p.ICEUfrag == "" {
		p.ICEUfrag = sessUfrag
	}
	if p.ICEPwd == "" {
		p.ICEPwd = sessPwd
	}
	if p.Fingerprint == "" {
		p.Fingerprint = sessFP
	}

	switch {
	case p.ICEUfrag == "" || p.ICEPwd == "":
		return nil, &ValidationError{Field: "ICE", Message: "no ICE credentials found"}
	case p.Fingerprint == "":
		return nil, &ValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	case !hasAudio && !hasVideo:
		return nil, &ValidationError{Field: "Media", Message: "neither audio nor video sections found"}
	}
	return p, nil
}

func sectionOf(index int, md *pionsdp.MediaDescription) Section {
	sec := Section{
		Kind:      md.MediaName.Media,
		Port:      md.MediaName.Port.Value,
		Protos:    md.MediaName.Protos,
		Formats:   md.MediaName.Formats,
		Direction: pionsdp.DirectionSendRecv,
	}
	if mid, ok := md.Attribute(pionsdp.AttrKeyMID); ok {
		sec.Mid = mid
	} else {
		sec.Mid = strconv.Itoa(index)
	}

	fmtps := map[uint8]string{}
	for _, a := range md.Attributes {
		switch a.Key {
		case pionsdp.AttrKeySendRecv, pionsdp.AttrKeySendOnly, pionsdp.AttrKeyRecvOnly, pionsdp.AttrKeyInactive:
			if d, err := pionsdp.NewDirection(a.Key); err == nil {
				sec.Direction = d
			}
		case "rtpmap":
			if c, ok := parseRtpmap(a.Value); ok {
				sec.Codecs = append(sec.Codecs, c)
			}
		case "fmtp":
			pt, rest, ok := strings.Cut(a.Value, " ")
			if n, err := strconv.ParseUint(pt, 10, 8); ok && err == nil {
				fmtps[uint8(n)] = rest
			}
		}
	}
	for i := range sec.Codecs {
		sec.Codecs[i].Fmtp = fmtps[sec.Codecs[i].PayloadType]
	}
	return sec
}

// parseRtpmap reads "96 VP8/90000" or "111 opus/48000/2".
func parseRtpmap(v string) (Codec, bool) {
	pt, enc, ok := strings.Cut(v, " ")
	if !ok {
		return Codec{}, false
	}
	n, err := strconv.ParseUint(pt, 10, 8)
	if err != nil {
		return Codec{}, false
	}
	parts := strings.Split(enc, "/")
	if len(parts) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Codec{}, false
	}
	c := Codec{PayloadType: uint8(n), Name: parts[0], ClockRate: uint32(rate)}
	if len(parts) > 2 {
		if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			c.Channels = uint16(ch)
		}
	}
	return c, true
}
