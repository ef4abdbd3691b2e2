package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Log       LogConfig
	ICE       ICEConfig
	Media     MediaConfig
	Signaling SignalingConfig
	Recovery  RecoveryConfig
	History   HistoryConfig
	Relay     RelayConfig
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

type ICEConfig struct {
	// STUNServers and TURNServers are ICE server URIs (stun:host:port, turn:host:port?transport=udp).
	STUNServers    []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string

	// NetworkTypes restricts gathering, e.g. "udp4", "udp6", "tcp4".
	NetworkTypes []string

	GatherTimeout  time.Duration
	ConnectTimeout time.Duration

	// Health sampling of the selected candidate pair.
	HealthInterval time.Duration
	WarningRTT     time.Duration
	CriticalRTT    time.Duration
}

type MediaConfig struct {
	QualityProfile string

	// Granted capture permissions. Desktop platforms without a permission
	// prompt simply grant everything.
	AllowCamera     bool
	AllowMicrophone bool
	AllowScreen     bool
}

type SignalingConfig struct {
	URL          string
	Room         string
	Token        string
	DialAttempts int
	DialTimeout  time.Duration
}

type RecoveryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type HistoryConfig struct {
	Enabled bool
	DSN     string
}

type RelayConfig struct {
	ListenAddr string
	JWTSecret  string
	TokenTTL   time.Duration
	RedisAddr  string

	TURNEnabled  bool
	TURNRealm    string
	TURNPort     int
	TURNPublicIP string
	TURNUsers    string // "user=pass,user2=pass2"
	TURNThreads  int
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		ICE: ICEConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun.jitsi.net:3478",
			},
			NetworkTypes:   []string{"udp4", "udp6"},
			GatherTimeout:  10 * time.Second,
			ConnectTimeout: 30 * time.Second,
			HealthInterval: 3 * time.Second,
			WarningRTT:     200 * time.Millisecond,
			CriticalRTT:    500 * time.Millisecond,
		},
		Media: MediaConfig{
			QualityProfile:  "720p@30",
			AllowCamera:     true,
			AllowMicrophone: true,
			AllowScreen:     true,
		},
		Signaling: SignalingConfig{
			URL:          "ws://localhost:7000/ws",
			Room:         "test room",
			DialAttempts: 5,
			DialTimeout:  10 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		History: HistoryConfig{
			Enabled: false,
		},
		Relay: RelayConfig{
			ListenAddr:  ":7000",
			TokenTTL:    time.Hour,
			TURNRealm:   "meetsession",
			TURNPort:    3478,
			TURNThreads: 1,
		},
	}
}

// ApplyEnv overrides fields from MEET_* environment variables.
// Unset or unparsable variables leave the current value in place.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Log.Level, "MEET_LOG_LEVEL")
	setString(&cfg.Log.Format, "MEET_LOG_FORMAT")

	setList(&cfg.ICE.STUNServers, "MEET_STUN_SERVERS")
	setList(&cfg.ICE.TURNServers, "MEET_TURN_SERVERS")
	setString(&cfg.ICE.TURNUsername, "MEET_TURN_USERNAME")
	setString(&cfg.ICE.TURNCredential, "MEET_TURN_CREDENTIAL")
	setList(&cfg.ICE.NetworkTypes, "MEET_ICE_NETWORK_TYPES")
	setDuration(&cfg.ICE.GatherTimeout, "MEET_ICE_GATHER_TIMEOUT")
	setDuration(&cfg.ICE.ConnectTimeout, "MEET_ICE_CONNECT_TIMEOUT")

	setString(&cfg.Media.QualityProfile, "MEET_QUALITY_PROFILE")
	setBool(&cfg.Media.AllowCamera, "MEET_ALLOW_CAMERA")
	setBool(&cfg.Media.AllowMicrophone, "MEET_ALLOW_MICROPHONE")
	setBool(&cfg.Media.AllowScreen, "MEET_ALLOW_SCREEN")

	setString(&cfg.Signaling.URL, "MEET_SIGNALING_URL")
	setString(&cfg.Signaling.Room, "MEET_ROOM")
	setString(&cfg.Signaling.Token, "MEET_TOKEN")
	setInt(&cfg.Signaling.DialAttempts, "MEET_DIAL_ATTEMPTS")

	setInt(&cfg.Recovery.MaxRetries, "MEET_RECOVERY_MAX_RETRIES")

	setBool(&cfg.History.Enabled, "MEET_HISTORY_ENABLED")
	setString(&cfg.History.DSN, "MEET_HISTORY_DSN")

	setString(&cfg.Relay.ListenAddr, "MEET_RELAY_ADDR")
	setString(&cfg.Relay.JWTSecret, "MEET_JWT_SECRET")
	setString(&cfg.Relay.RedisAddr, "MEET_REDIS_ADDR")
	setBool(&cfg.Relay.TURNEnabled, "MEET_TURN_ENABLED")
	setString(&cfg.Relay.TURNPublicIP, "MEET_TURN_PUBLIC_IP")
	setString(&cfg.Relay.TURNUsers, "MEET_TURN_USERS")
	setInt(&cfg.Relay.TURNPort, "MEET_TURN_PORT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}
