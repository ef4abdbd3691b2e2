package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Supported codecs, in preference order per kind.
var supportedCodecs = map[string][]Codec{
	KindAudio: {
		{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"},
	},
	KindVideo: {
		{PayloadType: 96, Name: "VP8", ClockRate: 90000},
		{PayloadType: 102, Name: "H264", ClockRate: 90000, Fmtp: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
	},
}

// OfferOptions describes the local side of an offer.
type OfferOptions struct {
	Identity Identity
	// Kinds are the media kinds with a local source (screen share counts
	// as video). With none, the offer receives audio and video.
	Kinds []string
}

// BuildOffer serialises an offer with one bundled section per kind.
func BuildOffer(opts OfferOptions) (string, error) {
	if err := checkIdentity(opts.Identity); err != nil {
		return "", err
	}

	type plan struct {
		kind string
		dir  pionsdp.Direction
	}
	var plans []plan
	for _, kind := range []string{KindAudio, KindVideo} {
		if contains(opts.Kinds, kind) {
			plans = append(plans, plan{kind, pionsdp.DirectionSendRecv})
		}
	}
	if len(plans) == 0 {
		plans = []plan{{KindAudio, pionsdp.DirectionRecvOnly}, {KindVideo, pionsdp.DirectionRecvOnly}}
	}

	desc, err := pionsdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("new session description: %w", err)
	}
	mids := make([]string, 0, len(plans))
	for i, pl := range plans {
		mid := strconv.Itoa(i)
		mids = append(mids, mid)
		md := newSection(pl.kind, mid, "actpass", pl.dir, opts.Identity)
		for _, c := range supportedCodecs[pl.kind] {
			md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
		}
		desc.WithMedia(md)
	}
	desc.WithValueAttribute(pionsdp.AttrKeyGroup, "BUNDLE "+strings.Join(mids, " ")).
		WithICETrickleAdvertised().
		WithValueAttribute(pionsdp.AttrKeyMsidSemantic, "WMS *")

	return marshal(desc)
}

// AnswerOptions describes the local side of an answer.
type AnswerOptions struct {
	Identity Identity
	Kinds    []string
}

// BuildAnswer mirrors offer: same sections in the same order with the same
// kinds and mids. Sections this endpoint cannot handle (unknown kinds, no
// common codec) are rejected with port 0.
func BuildAnswer(offer *Parsed, opts AnswerOptions) (string, error) {
	if offer == nil {
		return "", &ValidationError{Field: "Offer", Message: "is nil"}
	}
	if err := checkIdentity(opts.Identity); err != nil {
		return "", err
	}

	desc, err := pionsdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("new session description: %w", err)
	}

	var bundled []string
	for _, sec := range offer.Sections {
		codecs := intersectCodecs(sec)
		if sec.Port == 0 || len(codecs) == 0 {
			desc.WithMedia(rejectedSection(sec))
			continue
		}
		dir := answerDirection(sec.Direction, contains(opts.Kinds, sec.Kind))
		md := newSection(sec.Kind, sec.Mid, "active", dir, opts.Identity)
		for _, c := range codecs {
			md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
		}
		desc.WithMedia(md)
		bundled = append(bundled, sec.Mid)
	}
	if len(bundled) > 0 {
		desc.WithValueAttribute(pionsdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundled, " "))
	}
	desc.WithValueAttribute(pionsdp.AttrKeyMsidSemantic, "WMS *")

	return marshal(desc)
}

func newSection(kind, mid, setup string, dir pionsdp.Direction, id Identity) *pionsdp.MediaDescription {
	return pionsdp.NewJSEPMediaDescription(kind, nil).
		WithValueAttribute(pionsdp.AttrKeyConnectionSetup, setup).
		WithValueAttribute(pionsdp.AttrKeyMID, mid).
		WithICECredentials(id.ICEUfrag, id.ICEPwd).
		WithFingerprint(id.FingerprintAlgorithm, id.Fingerprint).
		WithPropertyAttribute(pionsdp.AttrKeyRTCPMux).
		WithPropertyAttribute(dir.String())
}

func rejectedSection(sec Section) *pionsdp.MediaDescription {
	formats := sec.Formats
	if len(formats) == 0 {
		formats = []string{"0"}
	}
	md := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   sec.Kind,
			Port:    pionsdp.RangedPort{Value: 0},
			Protos:  sec.Protos,
			Formats: formats,
		},
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: "0.0.0.0"},
		},
	}
	return md.WithValueAttribute(pionsdp.AttrKeyMID, sec.Mid).
		WithPropertyAttribute(pionsdp.AttrKeyInactive)
}

// intersectCodecs keeps the offer's payload types for codecs we support,
// in the offer's order.
func intersectCodecs(sec Section) []Codec {
	supported := supportedCodecs[sec.Kind]
	var out []Codec
	for _, oc := range sec.Codecs {
		for _, sc := range supported {
			if strings.EqualFold(oc.Name, sc.Name) && oc.ClockRate == sc.ClockRate {
				c := oc
				if c.Fmtp == "" {
					c.Fmtp = sc.Fmtp
				}
				if c.Channels == 0 {
					c.Channels = sc.Channels
				}
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// answerDirection complements the offered direction.
func answerDirection(offered pionsdp.Direction, haveLocal bool) pionsdp.Direction {
	switch offered {
	case pionsdp.DirectionSendOnly:
		return pionsdp.DirectionRecvOnly
	case pionsdp.DirectionRecvOnly:
		if haveLocal {
			return pionsdp.DirectionSendOnly
		}
		return pionsdp.DirectionInactive
	case pionsdp.DirectionInactive:
		return pionsdp.DirectionInactive
	default:
		if haveLocal {
			return pionsdp.DirectionSendRecv
		}
		return pionsdp.DirectionRecvOnly
	}
}

func checkIdentity(id Identity) error {
	switch {
	case id.ICEUfrag == "" || id.ICEPwd == "":
		return &ValidationError{Field: "ICE", Message: "local ICE credentials missing"}
	case id.Fingerprint == "" || id.FingerprintAlgorithm == "":
		return &ValidationError{Field: "DTLS", Message: "local fingerprint missing"}
	}
	return nil
}

func marshal(desc *pionsdp.SessionDescription) (string, error) {
	b, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(b), nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
