package media

import "fmt"

// MediaQuality is the capture and encode target for local media.
// Bitrates are in kbps.
type MediaQuality struct {
	Name string

	Width        int
	Height       int
	FrameRate    int
	VideoBitrate int

	AudioSampleRate int
	AudioChannels   int
	AudioBitrate    int
}

// Pixels returns the frame area.
func (q MediaQuality) Pixels() int { return q.Width * q.Height }

func (q MediaQuality) String() string {
	return fmt.Sprintf("%s (%dx%d@%d, %dkbps)", q.Name, q.Width, q.Height, q.FrameRate, q.VideoBitrate)
}

// Validate checks the quality is something a camera and encoder can do.
func (q MediaQuality) Validate() error {
	if q.Width < 320 || q.Height < 240 {
		return fmt.Errorf("resolution too small: minimum 320x240")
	}
	if q.Width > 7680 || q.Height > 4320 {
		return fmt.Errorf("resolution too large: maximum 7680x4320")
	}
	if q.FrameRate < 1 || q.FrameRate > 60 {
		return fmt.Errorf("framerate out of range: must be 1-60 fps")
	}
	aspect := float64(q.Width) / float64(q.Height)
	if aspect < 0.5 || aspect > 3.0 {
		return fmt.Errorf("unusual aspect ratio: %.2f (expected 0.5-3.0)", aspect)
	}
	if q.VideoBitrate <= 0 {
		return fmt.Errorf("video bitrate must be positive")
	}
	switch q.AudioSampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("unsupported audio sample rate: %d", q.AudioSampleRate)
	}
	if q.AudioChannels != 1 && q.AudioChannels != 2 {
		return fmt.Errorf("audio channels must be 1 or 2")
	}
	return nil
}

func profile(name string, w, h, fps, kbps int) MediaQuality {
	return MediaQuality{
		Name: name, Width: w, Height: h, FrameRate: fps, VideoBitrate: kbps,
		AudioSampleRate: 48000, AudioChannels: 2, AudioBitrate: 64,
	}
}

// Profiles returns the named qualities, highest first. Video bitrates sit
// at the top of each resolution's useful range; 24fps variants drop
// 500 kbps.
func Profiles() []MediaQuality {
	return []MediaQuality{
		profile("1080p@30", 1920, 1080, 30, 5000),
		profile("1080p@24", 1920, 1080, 24, 4500),
		profile("720p@30", 1280, 720, 30, 4000),
		profile("720p@24", 1280, 720, 24, 3500),
		profile("480p@30", 854, 480, 30, 2500),
		profile("480p@24", 854, 480, 24, 2000),
		// Emergency fallback for bad networks, mono audio.
		{
			Name: "360p@20", Width: 640, Height: 360, FrameRate: 20, VideoBitrate: 1500,
			AudioSampleRate: 48000, AudioChannels: 1, AudioBitrate: 32,
		},
	}
}

// DefaultQuality is used until something else is chosen.
func DefaultQuality() MediaQuality {
	return *ProfileByName("720p@30")
}

// ProfileByName finds a profile by name.
func ProfileByName(name string) *MediaQuality {
	profiles := Profiles()
	for i := range profiles {
		if profiles[i].Name == name {
			return &profiles[i]
		}
	}
	return nil
}

// NextLowerProfile returns the profile below current, or current when it
// is already the lowest. Custom qualities step to the first standard
// profile with fewer pixels.
func NextLowerProfile(current MediaQuality) MediaQuality {
	profiles := Profiles()
	for i := range profiles {
		if profiles[i].Name == current.Name {
			if i < len(profiles)-1 {
				return profiles[i+1]
			}
			return current
		}
	}
	for _, p := range profiles {
		if p.Pixels() < current.Pixels() {
			return p
		}
	}
	return profiles[len(profiles)-1]
}
