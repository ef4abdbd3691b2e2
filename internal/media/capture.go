package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

// CaptureRequest describes one local capture to open.
type CaptureRequest struct {
	Kind     StreamKind
	DeviceID string
	Quality  MediaQuality
	Target   *ScreenTarget
}

// Capture is an open capture. Close releases the device.
type Capture interface {
	Close() error
}

// Capturer opens captures on devices. Errors wrapping ErrDeviceFault mark
// the device as faulty; anything else is treated as busy or unavailable.
type Capturer interface {
	Open(ctx context.Context, req CaptureRequest) (Capture, error)
}

// TargetChecker is implemented by capturers that can only share some
// kinds of target. Capturers without it are assumed to share any.
type TargetChecker interface {
	SupportsTarget(kind TargetKind) bool
}

// SystemCapturer captures through mediadevices. mediadevices only
// captures whole displays, so window targets are refused.
type SystemCapturer struct{}

func (SystemCapturer) SupportsTarget(kind TargetKind) bool { return kind == TargetScreen }

func (SystemCapturer) Open(ctx context.Context, req CaptureRequest) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		stream mediadevices.MediaStream
		err    error
	)
	switch req.Kind {
	case StreamVideo:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.String(req.DeviceID)
				c.Width = prop.Int(req.Quality.Width)
				c.Height = prop.Int(req.Quality.Height)
				c.FrameRate = prop.Float(float32(req.Quality.FrameRate))
			},
		})
	case StreamAudio:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.String(req.DeviceID)
				c.SampleRate = prop.Int(req.Quality.AudioSampleRate)
				c.ChannelCount = prop.Int(req.Quality.AudioChannels)
			},
		})
	case StreamScreen:
		if req.Target != nil && req.Target.Kind == TargetWindow {
			return nil, fmt.Errorf("window capture: %w", ErrUnsupportedTarget)
		}
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				if req.DeviceID != "" {
					c.DeviceID = prop.String(req.DeviceID)
				}
				c.FrameRate = prop.Float(float32(req.Quality.FrameRate))
			},
		})
	default:
		return nil, fmt.Errorf("unknown stream kind %d", req.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	if len(stream.GetTracks()) == 0 {
		return nil, fmt.Errorf("%w: no tracks returned", ErrDeviceFault)
	}
	return &streamCapture{stream: stream}, nil
}

type streamCapture struct {
	stream mediadevices.MediaStream
}

func (c *streamCapture) Close() error {
	var errs []error
	for _, track := range c.stream.GetTracks() {
		if err := track.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
