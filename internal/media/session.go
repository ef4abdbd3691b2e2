package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/permissions"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

// SessionConfig wires a Session.
type SessionConfig struct {
	Logger      *zap.Logger
	Bus         *events.Bus
	Inventory   *Inventory
	Capturer    Capturer
	Permissions *permissions.Checker
	Quality     MediaQuality
}

type localStream struct {
	stream  Stream
	capture Capture
}

// Session owns the local capture lifecycle: which devices are selected,
// which streams are live, and the volume, mute and quality settings.
type Session struct {
	mu sync.Mutex

	logger   *zap.Logger
	bus      *events.Bus
	inv      *Inventory
	capturer Capturer
	perms    *permissions.Checker
	token    events.Token

	local  map[StreamKind]*localStream
	remote map[string]Stream

	camera     string
	microphone string
	speaker    string

	micVolume     float64
	speakerVolume float64
	micMuted      bool
	speakerMuted  bool
	videoMuted    bool

	quality    MediaQuality
	generation uint64
	closed     bool
}

// NewSession returns an idle session. It follows DevicesChanged on the bus
// and stops streams whose device disappeared.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Inventory == nil {
		return nil, errors.New("media: session needs an inventory")
	}
	if cfg.Permissions == nil {
		return nil, errors.New("media: session needs a permission checker")
	}
	if cfg.Capturer == nil {
		cfg.Capturer = SystemCapturer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Quality.Name == "" {
		cfg.Quality = DefaultQuality()
	}
	if err := cfg.Quality.Validate(); err != nil {
		return nil, apperr.Configuration("newSession", err)
	}

	s := &Session{
		logger:        cfg.Logger.Named("media"),
		bus:           cfg.Bus,
		inv:           cfg.Inventory,
		capturer:      cfg.Capturer,
		perms:         cfg.Permissions,
		local:         map[StreamKind]*localStream{},
		remote:        map[string]Stream{},
		micVolume:     1,
		speakerVolume: 1,
		quality:       cfg.Quality,
	}
	if s.bus != nil {
		s.token = s.bus.Subscribe(s.handleEvent)
	}
	return s, nil
}

func (s *Session) handleEvent(ev events.Event) {
	if changed, ok := ev.(DevicesChanged); ok && len(changed.Removed) > 0 {
		s.dropRemoved(changed.Removed)
	}
}

func (s *Session) dropRemoved(removed []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := map[string]bool{}
	for _, d := range removed {
		gone[d.ID] = true
	}
	for kind, ls := range s.local {
		if ls.stream.DeviceID == "" || !gone[ls.stream.DeviceID] {
			continue
		}
		s.logger.Warn("Capture device removed",
			zap.String("device", ls.stream.DeviceID),
			zap.Stringer("kind", kind))
		s.stopLocked(kind)
		s.reportLocked(apperr.Device("deviceRemoved", ls.stream.DeviceID, ErrNoDevice))
	}
	for _, d := range removed {
		switch d.ID {
		case s.camera:
			s.camera = ""
		case s.microphone:
			s.microphone = ""
		case s.speaker:
			s.speaker = ""
		}
	}
}

// StartLocalVideo opens the selected camera, or the default one.
func (s *Session) StartLocalVideo(ctx context.Context) error {
	return s.start(ctx, "startLocalVideo", StreamVideo, nil)
}

func (s *Session) StopLocalVideo() { s.stop(StreamVideo) }

// StartLocalAudio opens the selected microphone, or the default one.
func (s *Session) StartLocalAudio(ctx context.Context) error {
	return s.start(ctx, "startLocalAudio", StreamAudio, nil)
}

func (s *Session) StopLocalAudio() { s.stop(StreamAudio) }

// StartScreenSharing captures target. Sharing a different target while a
// share is live switches to it.
func (s *Session) StartScreenSharing(ctx context.Context, target ScreenTarget) error {
	return s.start(ctx, "startScreenSharing", StreamScreen, &target)
}

func (s *Session) StopScreenSharing() { s.stop(StreamScreen) }

func (s *Session) start(ctx context.Context, op string, kind StreamKind, target *ScreenTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperr.Device(op, "", errors.New("media session closed"))
	}
	replacing, live := s.local[kind]
	if live && (kind != StreamScreen || sameTarget(replacing.stream.Target, target)) {
		return nil
	}

	if err := s.perms.Check(permissionFor(kind)); err != nil {
		return s.reportLocked(apperr.Permission(op, err))
	}

	if target != nil {
		if tc, ok := s.capturer.(TargetChecker); ok && !tc.SupportsTarget(target.Kind) {
			return s.reportLocked(apperr.Validation(op, fmt.Errorf("share target %q: %w", target.ID, ErrUnsupportedTarget)))
		}
	}

	deviceID, err := s.resolveLocked(kind, target)
	if errors.Is(err, ErrDeviceBusy) && live && deviceID == replacing.stream.DeviceID {
		err = nil
	}
	if err != nil {
		return s.reportLocked(apperr.Device(op, deviceID, err))
	}
	if live {
		s.stopLocked(kind)
	}
	return s.openLocked(ctx, op, kind, deviceID, target)
}

func (s *Session) openLocked(ctx context.Context, op string, kind StreamKind, deviceID string, target *ScreenTarget) error {
	capture, err := s.capturer.Open(ctx, CaptureRequest{
		Kind:     kind,
		DeviceID: deviceID,
		Quality:  s.quality,
		Target:   target,
	})
	if err != nil {
		if errors.Is(err, ErrDeviceFault) && deviceID != "" {
			s.inv.setState(deviceID, StateError)
		}
		return s.reportLocked(apperr.Device(op, deviceID, err))
	}

	if deviceID != "" {
		s.inv.setState(deviceID, StateActive)
	}
	stream := Stream{
		ID:         uuid.NewString(),
		Kind:       kind,
		DeviceID:   deviceID,
		Generation: s.generation,
	}
	if target != nil {
		t := *target
		stream.Target = &t
	}
	s.local[kind] = &localStream{stream: stream, capture: capture}

	s.logger.Info("Local stream started",
		zap.Stringer("kind", kind),
		zap.String("device", deviceID),
		zap.String("stream", stream.ID))
	switch kind {
	case StreamVideo:
		s.publish(LocalVideoStarted{Stream: stream})
	case StreamAudio:
		s.publish(LocalAudioStarted{Stream: stream})
	case StreamScreen:
		s.publish(ScreenShareStarted{Stream: stream})
	}
	s.publish(LocalStreamReady{Stream: stream})
	return nil
}

// resolveLocked picks the device for a new capture and checks it is usable.
func (s *Session) resolveLocked(kind StreamKind, target *ScreenTarget) (string, error) {
	var (
		dev Device
		ok  bool
	)
	switch kind {
	case StreamVideo:
		dev, ok = s.selectedOrDefault(s.camera, DeviceVideo, Input)
	case StreamAudio:
		dev, ok = s.selectedOrDefault(s.microphone, DeviceAudio, Input)
	case StreamScreen:
		if target == nil {
			return "", errors.New("no screen share target")
		}
		if target.Kind == TargetWindow {
			if target.ID == "" {
				return "", fmt.Errorf("window target needs an ID: %w", ErrUnknownDevice)
			}
			return "", nil
		}
		if target.ID == "" {
			// The display capturer picks the primary screen when none is listed.
			dev, ok = s.inv.Default(DeviceScreen, Input)
			if !ok {
				return "", nil
			}
		} else {
			dev, ok = s.inv.Lookup(target.ID)
			if !ok || dev.Type != DeviceScreen {
				return target.ID, ErrUnknownDevice
			}
		}
	}
	if !ok {
		return "", ErrNoDevice
	}

	switch dev.State {
	case StateActive:
		return dev.ID, ErrDeviceBusy
	case StateUnavailable:
		return dev.ID, ErrNoDevice
	}
	return dev.ID, nil
}

func (s *Session) selectedOrDefault(id string, t DeviceType, dir Direction) (Device, bool) {
	if id != "" {
		if dev, ok := s.inv.Lookup(id); ok {
			return dev, true
		}
	}
	return s.inv.Default(t, dir)
}

func (s *Session) stop(kind StreamKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(kind)
}

// stopLocked is a no-op when nothing of kind is live.
func (s *Session) stopLocked(kind StreamKind) {
	ls, ok := s.local[kind]
	if !ok {
		return
	}
	delete(s.local, kind)

	if err := ls.capture.Close(); err != nil {
		s.logger.Warn("Error closing capture",
			zap.Stringer("kind", kind),
			zap.String("device", ls.stream.DeviceID),
			zap.Error(err))
	}
	if ls.stream.DeviceID != "" {
		if dev, ok := s.inv.Lookup(ls.stream.DeviceID); ok && dev.State == StateActive {
			s.inv.setState(dev.ID, StateAvailable)
		}
	}

	s.logger.Info("Local stream stopped", zap.Stringer("kind", kind), zap.String("stream", ls.stream.ID))
	switch kind {
	case StreamVideo:
		s.publish(LocalVideoStopped{Stream: ls.stream})
	case StreamAudio:
		s.publish(LocalAudioStopped{Stream: ls.stream})
	case StreamScreen:
		s.publish(ScreenShareStopped{Stream: ls.stream})
	}
}

// SelectCamera makes id the camera for video. A live video stream moves
// to the new camera.
func (s *Session) SelectCamera(ctx context.Context, id string) error {
	return s.selectInput(ctx, "selectCamera", id, DeviceVideo, StreamVideo, &s.camera)
}

// SelectMicrophone makes id the microphone for audio. A live audio stream
// moves to the new microphone.
func (s *Session) SelectMicrophone(ctx context.Context, id string) error {
	return s.selectInput(ctx, "selectMicrophone", id, DeviceAudio, StreamAudio, &s.microphone)
}

func (s *Session) selectInput(ctx context.Context, op, id string, t DeviceType, kind StreamKind, slot *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.inv.Lookup(id)
	if !ok || dev.Type != t || dev.Direction != Input {
		return s.reportLocked(apperr.Device(op, id, ErrUnknownDevice))
	}
	if *slot == id {
		return nil
	}
	*slot = id
	s.publish(DeviceSelected{Type: t, Direction: Input, DeviceID: id})

	ls, live := s.local[kind]
	if !live || ls.stream.DeviceID == id {
		return nil
	}
	s.stopLocked(kind)
	if dev.State == StateUnavailable {
		return s.reportLocked(apperr.Device(op, id, ErrNoDevice))
	}
	return s.openLocked(ctx, op, kind, id, nil)
}

// SelectSpeaker sets the output device. Nothing is captured from it.
func (s *Session) SelectSpeaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.inv.Lookup(id)
	if !ok || dev.Type != DeviceAudio || dev.Direction != Output {
		return s.reportLocked(apperr.Device("selectSpeaker", id, ErrUnknownDevice))
	}
	if s.speaker == id {
		return nil
	}
	s.speaker = id
	s.publish(DeviceSelected{Type: DeviceAudio, Direction: Output, DeviceID: id})
	return nil
}

// SelectedDevices returns the chosen camera, microphone and speaker IDs.
// Empty means the default.
func (s *Session) SelectedDevices() (camera, microphone, speaker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera, s.microphone, s.speaker
}

// clampVolume maps v into [0,1]. NaN becomes 0.
func clampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// SetMicrophoneVolume clamps v into [0,1] and returns the applied value.
func (s *Session) SetMicrophoneVolume(v float64) float64 {
	return s.setVolume(TargetMicrophone, &s.micVolume, v)
}

// SetSpeakerVolume clamps v into [0,1] and returns the applied value.
func (s *Session) SetSpeakerVolume(v float64) float64 {
	return s.setVolume(TargetSpeaker, &s.speakerVolume, v)
}

func (s *Session) setVolume(target string, slot *float64, v float64) float64 {
	v = clampVolume(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if *slot != v {
		*slot = v
		s.publish(VolumeChanged{Target: target, Volume: v})
	}
	return v
}

func (s *Session) MicrophoneVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micVolume
}

func (s *Session) SpeakerVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerVolume
}

func (s *Session) SetMicrophoneMuted(muted bool) { s.setMuted(TargetMicrophone, &s.micMuted, muted) }
func (s *Session) SetSpeakerMuted(muted bool)    { s.setMuted(TargetSpeaker, &s.speakerMuted, muted) }
func (s *Session) SetVideoMuted(muted bool)      { s.setMuted(TargetVideo, &s.videoMuted, muted) }

func (s *Session) setMuted(target string, slot *bool, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *slot != muted {
		*slot = muted
		s.publish(MuteChanged{Target: target, Muted: muted})
	}
}

// Muted reports the mute flag of a volume target.
func (s *Session) Muted(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch target {
	case TargetMicrophone:
		return s.micMuted
	case TargetSpeaker:
		return s.speakerMuted
	case TargetVideo:
		return s.videoMuted
	}
	return false
}

// SetMediaQuality changes the capture quality. It applies to captures
// opened afterwards; a live video stream keeps its settings until it is
// restarted.
func (s *Session) SetMediaQuality(q MediaQuality) error {
	if err := q.Validate(); err != nil {
		return apperr.Validation("setMediaQuality", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quality == q {
		return nil
	}
	s.quality = q
	s.logger.Info("Media quality changed", zap.Stringer("quality", q))
	s.publish(QualityChanged{Quality: q})
	return nil
}

// DegradeQuality steps down one profile and returns the new quality.
func (s *Session) DegradeQuality() MediaQuality {
	next := NextLowerProfile(s.MediaQuality())
	if err := s.SetMediaQuality(next); err != nil {
		s.logger.Warn("Could not lower media quality", zap.Error(err))
	}
	return s.MediaQuality()
}

func (s *Session) MediaQuality() MediaQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// ActiveKinds returns the SDP media kinds with a live local source. A
// screen share counts as video.
func (s *Session) ActiveKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kinds []string
	if _, ok := s.local[StreamAudio]; ok {
		kinds = append(kinds, sdp.KindAudio)
	}
	_, video := s.local[StreamVideo]
	_, screen := s.local[StreamScreen]
	if video || screen {
		kinds = append(kinds, sdp.KindVideo)
	}
	return kinds
}

// LocalStreams returns the live local streams.
func (s *Session) LocalStreams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stream, 0, len(s.local))
	for _, kind := range []StreamKind{StreamAudio, StreamVideo, StreamScreen} {
		if ls, ok := s.local[kind]; ok {
			out = append(out, ls.stream)
		}
	}
	return out
}

// Bind ties local streams to a peer-connection generation. Remote streams
// of any other generation are removed; 0 unbinds everything.
func (s *Session) Bind(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation = generation
	for _, ls := range s.local {
		ls.stream.Generation = generation
	}
	for id, st := range s.remote {
		if st.Generation != generation {
			delete(s.remote, id)
			s.publish(RemoteStreamRemoved{Stream: st})
		}
	}
}

// AddRemoteStream records a stream received from the peer. Re-adding a
// known ID is ignored.
func (s *Session) AddRemoteStream(id string, kind StreamKind) (Stream, error) {
	if id == "" {
		return Stream{}, apperr.Validation("addRemoteStream", errors.New("empty stream ID"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.remote[id]; ok {
		return st, nil
	}
	if s.generation == 0 {
		return Stream{}, apperr.Negotiation("addRemoteStream", errors.New("no peer connection bound"))
	}
	st := Stream{ID: id, Kind: kind, Generation: s.generation}
	s.remote[id] = st
	s.publish(RemoteStreamReceived{Stream: st})
	return st, nil
}

func (s *Session) RemoveRemoteStream(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.remote[id]; ok {
		delete(s.remote, id)
		s.publish(RemoteStreamRemoved{Stream: st})
	}
}

func (s *Session) RemoteStreams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.remote))
	for _, st := range s.remote {
		out = append(out, st)
	}
	return out
}

// Close stops every local stream and detaches from the bus.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, kind := range []StreamKind{StreamScreen, StreamVideo, StreamAudio} {
		s.stopLocked(kind)
	}
	if s.bus != nil {
		s.bus.Unsubscribe(s.token)
	}
}

func (s *Session) reportLocked(err *apperr.Error) error {
	s.logger.Warn("Media operation failed", zap.Error(err))
	s.publish(events.Error{Source: "media", Generation: s.generation, Err: err})
	return err
}

func (s *Session) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func permissionFor(kind StreamKind) permissions.Kind {
	switch kind {
	case StreamAudio:
		return permissions.Microphone
	case StreamScreen:
		return permissions.Screen
	default:
		return permissions.Camera
	}
}

func sameTarget(a, b *ScreenTarget) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
