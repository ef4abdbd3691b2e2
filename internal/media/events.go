package media

type DevicesChanged struct {
	Added   []Device
	Removed []Device
}

func (DevicesChanged) EventName() string { return "devices-changed" }

type LocalVideoStarted struct{ Stream Stream }

func (LocalVideoStarted) EventName() string { return "local-video-started" }

type LocalVideoStopped struct{ Stream Stream }

func (LocalVideoStopped) EventName() string { return "local-video-stopped" }

type LocalAudioStarted struct{ Stream Stream }

func (LocalAudioStarted) EventName() string { return "local-audio-started" }

type LocalAudioStopped struct{ Stream Stream }

func (LocalAudioStopped) EventName() string { return "local-audio-stopped" }

type ScreenShareStarted struct{ Stream Stream }

func (ScreenShareStarted) EventName() string { return "screen-share-started" }

type ScreenShareStopped struct{ Stream Stream }

func (ScreenShareStopped) EventName() string { return "screen-share-stopped" }

// LocalStreamReady follows every successful local start.
type LocalStreamReady struct{ Stream Stream }

func (LocalStreamReady) EventName() string { return "local-stream-ready" }

type RemoteStreamReceived struct{ Stream Stream }

func (RemoteStreamReceived) EventName() string { return "remote-stream-received" }

type RemoteStreamRemoved struct{ Stream Stream }

func (RemoteStreamRemoved) EventName() string { return "remote-stream-removed" }

// Volume and mute targets.
const (
	TargetMicrophone = "microphone"
	TargetSpeaker    = "speaker"
	TargetVideo      = "video"
)

type VolumeChanged struct {
	Target string
	Volume float64
}

func (VolumeChanged) EventName() string { return "volume-changed" }

type MuteChanged struct {
	Target string
	Muted  bool
}

func (MuteChanged) EventName() string { return "mute-changed" }

type DeviceSelected struct {
	Type      DeviceType
	Direction Direction
	DeviceID  string
}

func (DeviceSelected) EventName() string { return "device-selected" }

type QualityChanged struct{ Quality MediaQuality }

func (QualityChanged) EventName() string { return "quality-changed" }
