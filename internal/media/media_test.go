package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/mikeyg42/meetsession/internal/apperr"
	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/events"
	"github.com/mikeyg42/meetsession/internal/permissions"
	"github.com/mikeyg42/meetsession/internal/sdp"
)

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []Device
	err     error
}

func (f *fakeEnumerator) Enumerate(context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Device, len(f.devices))
	copy(out, f.devices)
	return out, f.err
}

func (f *fakeEnumerator) set(devs ...Device) {
	f.mu.Lock()
	f.devices = devs
	f.mu.Unlock()
}

type fakeCapture struct {
	req    CaptureRequest
	closed int
}

func (c *fakeCapture) Close() error { c.closed++; return nil }

type fakeCapturer struct {
	mu       sync.Mutex
	fail     map[string]error
	captures []*fakeCapture
}

func (f *fakeCapturer) Open(_ context.Context, req CaptureRequest) (Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[req.DeviceID]; err != nil {
		return nil, err
	}
	c := &fakeCapture{req: req}
	f.captures = append(f.captures, c)
	return c, nil
}

var (
	cam1    = Device{ID: "cam-1", Name: "FaceTime HD", Type: DeviceVideo, Direction: Input}
	cam2    = Device{ID: "cam-2", Name: "USB Camera", Type: DeviceVideo, Direction: Input}
	mic1    = Device{ID: "mic-1", Name: "Built-in Mic", Type: DeviceAudio, Direction: Input}
	spk1    = Device{ID: "spk-1", Name: "Speakers", Type: DeviceAudio, Direction: Output}
	spk2    = Device{ID: "spk-2", Name: "Headphones", Type: DeviceAudio, Direction: Output}
	screen1 = Device{ID: "screen-1", Name: "Display 1", Type: DeviceScreen, Direction: Input}
)

type testSession struct {
	s        *Session
	inv      *Inventory
	enum     *fakeEnumerator
	capturer *fakeCapturer
	perms    *permissions.Checker
	bus      *events.Bus
	rec      *events.Recorder
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	ts := &testSession{
		enum:     &fakeEnumerator{devices: []Device{cam1, cam2, mic1, spk1, spk2, screen1}},
		capturer: &fakeCapturer{fail: map[string]error{}},
		perms:    permissions.NewChecker(config.MediaConfig{AllowCamera: true, AllowMicrophone: true, AllowScreen: true}),
		bus:      events.NewBus(nil),
		rec:      events.NewRecorder(),
	}
	ts.bus.Subscribe(ts.rec.Handle)
	t.Cleanup(ts.bus.Close)

	ts.inv = NewInventory(ts.enum, ts.bus, nil)
	if err := ts.inv.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s, err := NewSession(SessionConfig{
		Bus:         ts.bus,
		Inventory:   ts.inv,
		Capturer:    ts.capturer,
		Permissions: ts.perms,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	ts.s = s
	return ts
}

func (ts *testSession) named(name string) []events.Event {
	ts.bus.Sync()
	return ts.rec.Named(name)
}

func (ts *testSession) state(t *testing.T, id string) DeviceState {
	t.Helper()
	dev, ok := ts.inv.Lookup(id)
	if !ok {
		t.Fatalf("device %s not in inventory", id)
	}
	return dev.State
}

func TestInventoryRefresh(t *testing.T) {
	enum := &fakeEnumerator{devices: []Device{cam1, cam2, mic1, spk1}}
	bus := events.NewBus(nil)
	defer bus.Close()
	rec := events.NewRecorder()
	bus.Subscribe(rec.Handle)

	inv := NewInventory(enum, bus, nil)
	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	def, ok := inv.Default(DeviceVideo, Input)
	if !ok || def.ID != "cam-1" {
		t.Fatalf("default camera = %+v, want cam-1", def)
	}
	if d, _ := inv.Lookup("cam-2"); d.IsDefault || d.State != StateAvailable {
		t.Fatalf("cam-2 = %+v, want available non-default", d)
	}
	if n := len(inv.DevicesOf(DeviceAudio, Output)); n != 1 {
		t.Fatalf("expected 1 speaker, got %d", n)
	}

	inv.setState("cam-2", StateActive)
	enum.set(cam2, mic1, spk1, spk2)
	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if d, _ := inv.Lookup("cam-2"); d.State != StateActive || !d.IsDefault {
		t.Fatalf("cam-2 = %+v, want active default", d)
	}

	// An unchanged list publishes nothing.
	if err := inv.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	bus.Sync()
	changes := rec.Named("devices-changed")
	if len(changes) != 2 {
		t.Fatalf("expected 2 devices-changed events, got %d", len(changes))
	}
	second := changes[1].(DevicesChanged)
	if len(second.Added) != 1 || second.Added[0].ID != "spk-2" {
		t.Fatalf("added = %+v, want spk-2", second.Added)
	}
	if len(second.Removed) != 1 || second.Removed[0].ID != "cam-1" {
		t.Fatalf("removed = %+v, want cam-1", second.Removed)
	}

	enum.err = errors.New("driver crashed")
	if err := inv.Refresh(context.Background()); err == nil {
		t.Fatal("expected enumeration error")
	}
	if len(inv.Devices()) != 4 {
		t.Fatal("a failed refresh must keep the previous list")
	}
}

func TestStartStopLocalVideo(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	if err := ts.s.StartLocalVideo(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ts.s.StartLocalVideo(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	if len(ts.capturer.captures) != 1 {
		t.Fatalf("expected 1 capture, got %d", len(ts.capturer.captures))
	}
	if ts.state(t, "cam-1") != StateActive {
		t.Fatal("camera should be active")
	}
	if got := ts.capturer.captures[0].req.Quality.Name; got != "720p@30" {
		t.Fatalf("capture quality = %s, want 720p@30", got)
	}

	ts.s.StopLocalVideo()
	ts.s.StopLocalVideo()

	if n := len(ts.named("local-video-started")); n != 1 {
		t.Fatalf("expected 1 started event, got %d", n)
	}
	if n := len(ts.named("local-stream-ready")); n != 1 {
		t.Fatalf("expected 1 stream-ready event, got %d", n)
	}
	if n := len(ts.named("local-video-stopped")); n != 1 {
		t.Fatalf("double stop must emit one stopped event, got %d", n)
	}
	if ts.capturer.captures[0].closed != 1 {
		t.Fatal("capture should be closed exactly once")
	}
	if ts.state(t, "cam-1") != StateAvailable {
		t.Fatal("camera should be available again")
	}
}

func TestPermissionDenied(t *testing.T) {
	ts := newTestSession(t)
	ts.perms.Set(permissions.Camera, false)

	err := ts.s.StartLocalVideo(context.Background())
	if !apperr.IsKind(err, apperr.KindPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if !errors.Is(err, permissions.ErrDenied) {
		t.Fatalf("error should wrap ErrDenied: %v", err)
	}
	if len(ts.capturer.captures) != 0 {
		t.Fatal("no capture may be opened without permission")
	}
	errs := ts.named("error")
	if len(errs) != 1 || errs[0].(events.Error).Source != "media" {
		t.Fatalf("expected one media error event, got %v", errs)
	}
}

func TestDeviceErrors(t *testing.T) {
	testCases := []struct {
		name      string
		failWith  error
		wantState DeviceState
	}{
		{"Busy", fmt.Errorf("%w: opened by another app", ErrDeviceBusy), StateAvailable},
		{"Fault", fmt.Errorf("%w: sensor not responding", ErrDeviceFault), StateError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestSession(t)
			ts.capturer.fail["cam-1"] = tc.failWith

			err := ts.s.StartLocalVideo(context.Background())
			if !apperr.IsKind(err, apperr.KindDevice) {
				t.Fatalf("expected device error, got %v", err)
			}
			var appErr *apperr.Error
			if !errors.As(err, &appErr) || appErr.DeviceID != "cam-1" {
				t.Fatalf("error should name cam-1: %v", err)
			}
			if ts.state(t, "cam-1") != tc.wantState {
				t.Fatalf("device state = %v, want %v", ts.state(t, "cam-1"), tc.wantState)
			}
			if len(ts.s.LocalStreams()) != 0 || len(ts.s.ActiveKinds()) != 0 {
				t.Fatal("a failed start must leave nothing active")
			}
			if n := len(ts.named("local-video-started")); n != 0 {
				t.Fatalf("unexpected started events: %d", n)
			}
		})
	}
}

func TestNoDevice(t *testing.T) {
	ts := newTestSession(t)
	ts.enum.set(spk1)
	if err := ts.inv.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	err := ts.s.StartLocalAudio(context.Background())
	if !errors.Is(err, ErrNoDevice) || !apperr.IsKind(err, apperr.KindDevice) {
		t.Fatalf("expected ErrNoDevice device error, got %v", err)
	}
}

func TestSelectCameraMovesLiveStream(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	if err := ts.s.StartLocalVideo(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ts.s.SelectCamera(ctx, "cam-2"); err != nil {
		t.Fatalf("select: %v", err)
	}
	streams := ts.s.LocalStreams()
	if len(streams) != 1 || streams[0].DeviceID != "cam-2" {
		t.Fatalf("streams = %+v, want one on cam-2", streams)
	}
	if ts.state(t, "cam-1") != StateAvailable || ts.state(t, "cam-2") != StateActive {
		t.Fatal("device states not moved to the new camera")
	}

	if err := ts.s.SelectCamera(ctx, "mic-1"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("a microphone is not a camera, got %v", err)
	}
	if err := ts.s.SelectSpeaker("spk-2"); err != nil {
		t.Fatalf("select speaker: %v", err)
	}
	if err := ts.s.SelectSpeaker("spk-2"); err != nil {
		t.Fatalf("reselect speaker: %v", err)
	}
	cam, _, spk := ts.s.SelectedDevices()
	if cam != "cam-2" || spk != "spk-2" {
		t.Fatalf("selected = %s/%s", cam, spk)
	}
	if n := len(ts.named("device-selected")); n != 2 {
		t.Fatalf("expected 2 device-selected events, got %d", n)
	}
}

func TestScreenSharingSwitchesTarget(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	screen := ScreenTarget{Kind: TargetScreen, ID: "screen-1"}
	window := ScreenTarget{Kind: TargetWindow, ID: "0x3a00007"}

	if err := ts.s.StartScreenSharing(ctx, screen); err != nil {
		t.Fatalf("share screen: %v", err)
	}
	if err := ts.s.StartScreenSharing(ctx, screen); err != nil {
		t.Fatalf("same target should be a no-op: %v", err)
	}
	if err := ts.s.StartScreenSharing(ctx, window); err != nil {
		t.Fatalf("share window: %v", err)
	}

	streams := ts.s.LocalStreams()
	if len(streams) != 1 || streams[0].Target == nil || *streams[0].Target != window {
		t.Fatalf("streams = %+v, want the window share", streams)
	}
	if n := len(ts.named("screen-share-started")); n != 2 {
		t.Fatalf("expected 2 share-started events, got %d", n)
	}
	if n := len(ts.named("screen-share-stopped")); n != 1 {
		t.Fatalf("expected 1 share-stopped event, got %d", n)
	}
	if kinds := ts.s.ActiveKinds(); len(kinds) != 1 || kinds[0] != sdp.KindVideo {
		t.Fatalf("screen share should count as video, got %v", kinds)
	}

	err := ts.s.StartScreenSharing(ctx, ScreenTarget{Kind: TargetScreen, ID: "cam-1"})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("a camera is not a screen, got %v", err)
	}
	if streams := ts.s.LocalStreams(); len(streams) != 1 || *streams[0].Target != window {
		t.Fatal("a rejected target must leave the current share running")
	}
}

// screenOnlyCapturer refuses window targets the way SystemCapturer does.
type screenOnlyCapturer struct{ *fakeCapturer }

func (screenOnlyCapturer) SupportsTarget(kind TargetKind) bool { return kind == TargetScreen }

func TestUnsupportedShareTargetRejectedEarly(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()
	s, err := NewSession(SessionConfig{
		Bus:         ts.bus,
		Inventory:   ts.inv,
		Capturer:    screenOnlyCapturer{ts.capturer},
		Permissions: ts.perms,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.StartScreenSharing(ctx, ScreenTarget{Kind: TargetScreen, ID: "screen-1"}); err != nil {
		t.Fatalf("share screen: %v", err)
	}
	opened := len(ts.capturer.captures)

	err = s.StartScreenSharing(ctx, ScreenTarget{Kind: TargetWindow, ID: "0x3a00007"})
	if !errors.Is(err, ErrUnsupportedTarget) || !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected an unsupported target error, got %v", err)
	}
	if len(ts.capturer.captures) != opened {
		t.Fatal("the capturer must not be asked for a window")
	}
	streams := s.LocalStreams()
	if len(streams) != 1 || streams[0].Target == nil || streams[0].Target.Kind != TargetScreen {
		t.Fatalf("the screen share should keep running, got %+v", streams)
	}
	if ts.state(t, "screen-1") != StateActive {
		t.Fatal("rejection must not touch the shared screen")
	}
	if _, ok := (interface{})(SystemCapturer{}).(TargetChecker); !ok {
		t.Fatal("SystemCapturer should declare its supported targets")
	}
}

func TestVolumeClamping(t *testing.T) {
	ts := newTestSession(t)

	testCases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{1.5, 1},
		{0.25, 0.25},
		{1, 1},
	}
	for _, tc := range testCases {
		if got := ts.s.SetMicrophoneVolume(tc.in); got != tc.want {
			t.Errorf("SetMicrophoneVolume(%v) = %v, want %v", tc.in, got, tc.want)
		}
		if got := ts.s.SetSpeakerVolume(tc.in); got != tc.want {
			t.Errorf("SetSpeakerVolume(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if got := clampVolume(math.NaN()); got != 0 {
		t.Errorf("NaN clamps to %v, want 0", got)
	}
	if ts.s.MicrophoneVolume() != 1 {
		t.Fatalf("volume = %v, want 1", ts.s.MicrophoneVolume())
	}
}

func TestMuteEmitsOnChange(t *testing.T) {
	ts := newTestSession(t)

	ts.s.SetMicrophoneMuted(true)
	ts.s.SetMicrophoneMuted(true)
	ts.s.SetVideoMuted(false)
	ts.s.SetMicrophoneMuted(false)

	if ts.s.Muted(TargetMicrophone) {
		t.Fatal("microphone should end unmuted")
	}
	mutes := ts.named("mute-changed")
	if len(mutes) != 2 {
		t.Fatalf("expected 2 mute-changed events, got %d", len(mutes))
	}
	if first := mutes[0].(MuteChanged); first.Target != TargetMicrophone || !first.Muted {
		t.Fatalf("first mute event = %+v", first)
	}
}

func TestMediaQuality(t *testing.T) {
	ts := newTestSession(t)

	if err := ts.s.SetMediaQuality(MediaQuality{Name: "tiny", Width: 16, Height: 16}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := ts.s.DegradeQuality(); got.Name != "720p@24" {
		t.Fatalf("degraded to %s, want 720p@24", got.Name)
	}
	if err := ts.s.StartLocalVideo(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := ts.capturer.captures[0].req.Quality.Name; got != "720p@24" {
		t.Fatalf("capture opened at %s", got)
	}
	if n := len(ts.named("quality-changed")); n != 1 {
		t.Fatalf("expected 1 quality-changed event, got %d", n)
	}
}

func TestBindAndRemoteStreams(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	if _, err := ts.s.AddRemoteStream("remote-a", StreamVideo); err == nil {
		t.Fatal("remote streams need a bound peer connection")
	}
	if err := ts.s.StartLocalAudio(ctx); err != nil {
		t.Fatalf("start audio: %v", err)
	}

	ts.s.Bind(1)
	if st := ts.s.LocalStreams(); st[0].Generation != 1 {
		t.Fatalf("local stream generation = %d, want 1", st[0].Generation)
	}
	if _, err := ts.s.AddRemoteStream("remote-a", StreamVideo); err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if _, err := ts.s.AddRemoteStream("remote-a", StreamVideo); err != nil {
		t.Fatalf("re-add remote: %v", err)
	}

	ts.s.Bind(0)
	if len(ts.s.RemoteStreams()) != 0 {
		t.Fatal("unbinding should drop remote streams")
	}
	if n := len(ts.named("remote-stream-received")); n != 1 {
		t.Fatalf("expected 1 remote-stream-received, got %d", n)
	}
	if n := len(ts.named("remote-stream-removed")); n != 1 {
		t.Fatalf("expected 1 remote-stream-removed, got %d", n)
	}
}

func TestRemovedDeviceStopsStream(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	if err := ts.s.StartLocalAudio(ctx); err != nil {
		t.Fatalf("start audio: %v", err)
	}
	ts.enum.set(cam1, spk1)
	if err := ts.inv.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// The session reacts on the bus goroutine, so its own events land
	// behind the first barrier.
	ts.bus.Sync()
	if n := len(ts.named("local-audio-stopped")); n != 1 {
		t.Fatalf("expected audio to stop, got %d stopped events", n)
	}
	errs := ts.named("error")
	if len(errs) != 1 || !errors.Is(errs[0].(events.Error).Err, ErrNoDevice) {
		t.Fatalf("expected a device-removed error, got %v", errs)
	}
	if len(ts.s.ActiveKinds()) != 0 {
		t.Fatal("no kinds should remain active")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	ts := newTestSession(t)
	ctx := context.Background()

	for _, start := range []func(context.Context) error{ts.s.StartLocalAudio, ts.s.StartLocalVideo} {
		if err := start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if kinds := ts.s.ActiveKinds(); len(kinds) != 2 || kinds[0] != sdp.KindAudio {
		t.Fatalf("active kinds = %v", kinds)
	}
	ts.s.Close()
	ts.s.Close()

	if len(ts.s.LocalStreams()) != 0 {
		t.Fatal("close should stop all streams")
	}
	for _, c := range ts.capturer.captures {
		if c.closed != 1 {
			t.Fatalf("capture %+v closed %d times", c.req, c.closed)
		}
	}
	if err := ts.s.StartLocalVideo(ctx); err == nil {
		t.Fatal("a closed session must refuse new captures")
	}
}

func TestProfiles(t *testing.T) {
	for _, p := range Profiles() {
		if err := p.Validate(); err != nil {
			t.Errorf("profile %s invalid: %v", p.Name, err)
		}
	}
	if ProfileByName("720p@30") == nil || ProfileByName("4K@120") != nil {
		t.Fatal("ProfileByName lookup broken")
	}
	lowest := Profiles()[len(Profiles())-1]
	if NextLowerProfile(lowest) != lowest {
		t.Fatal("the lowest profile has nothing below it")
	}
	custom := MediaQuality{Name: "custom", Width: 1000, Height: 600}
	if got := NextLowerProfile(custom); got.Name != "480p@30" {
		t.Fatalf("custom steps to %s, want 480p@30", got.Name)
	}
}
