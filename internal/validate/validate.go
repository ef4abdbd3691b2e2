package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"github.com/mikeyg42/meetsession/internal/config"
	"github.com/mikeyg42/meetsession/internal/media"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators used by the client.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateLogConfig(v, &cfg.Log)
	validateICEConfig(v, &cfg.ICE)
	validateMediaConfig(v, &cfg.Media)
	validateSignalingConfig(v, &cfg.Signaling)
	validateRecoveryConfig(v, &cfg.Recovery)
	validateHistoryConfig(v, &cfg.History)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// ValidateRelayConfig is used by the relay binary, which ignores client sections.
func ValidateRelayConfig(cfg *config.Config) error {
	v := &Validator{}
	validateLogConfig(v, &cfg.Log)
	validateRelayConfig(v, &cfg.Relay)
	if v.HasErrors() {
		return fmt.Errorf("relay config invalid:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// sections
// -----------------------------------------------------------------------------

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.AddError("invalid log level: %q (must be debug, info, warn or error)", cfg.Level)
	}
	switch cfg.Format {
	case "console", "json":
	default:
		v.AddError("invalid log format: %q (must be console or json)", cfg.Format)
	}
}

func validateICEConfig(v *Validator, cfg *config.ICEConfig) {
	for _, raw := range cfg.STUNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			v.AddError("invalid STUN server %q: %v", raw, err)
			continue
		}
		if u.Scheme != stun.SchemeTypeSTUN && u.Scheme != stun.SchemeTypeSTUNS {
			v.AddError("STUN server %q must use the stun: or stuns: scheme", raw)
		}
	}
	for _, raw := range cfg.TURNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			v.AddError("invalid TURN server %q: %v", raw, err)
			continue
		}
		if u.Scheme != stun.SchemeTypeTURN && u.Scheme != stun.SchemeTypeTURNS {
			v.AddError("TURN server %q must use the turn: or turns: scheme", raw)
		}
	}
	if len(cfg.TURNServers) > 0 && (cfg.TURNUsername == "" || cfg.TURNCredential == "") {
		v.AddError("TURN servers require a username and credential")
	}
	for _, nt := range cfg.NetworkTypes {
		switch nt {
		case "udp4", "udp6", "tcp4", "tcp6":
		default:
			v.AddError("invalid ICE network type: %q", nt)
		}
	}
	if cfg.GatherTimeout <= 0 {
		v.AddError("ICE gather timeout must be positive")
	}
	if cfg.ConnectTimeout < time.Second {
		v.AddError("ICE connect timeout too short (min 1s)")
	}
	if cfg.HealthInterval < 100*time.Millisecond {
		v.AddError("health interval too short (min 100ms)")
	}
	if cfg.WarningRTT <= 0 || cfg.CriticalRTT <= cfg.WarningRTT {
		v.AddError("RTT thresholds must satisfy 0 < warning < critical (got %v, %v)", cfg.WarningRTT, cfg.CriticalRTT)
	}
}

func validateMediaConfig(v *Validator, cfg *config.MediaConfig) {
	if media.ProfileByName(cfg.QualityProfile) == nil {
		v.AddError("unknown quality profile: %q", cfg.QualityProfile)
	}
}

func validateSignalingConfig(v *Validator, cfg *config.SignalingConfig) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		v.AddError("invalid signaling URL %q: %v", cfg.URL, err)
	} else {
		if u.Scheme != "ws" && u.Scheme != "wss" {
			v.AddError("signaling URL must use ws:// or wss:// (got %q)", cfg.URL)
		}
		validateHostPort(v, "signaling URL", u.Host)
	}
	if strings.TrimSpace(cfg.Room) == "" {
		v.AddError("signaling room cannot be empty")
	}
	if cfg.DialAttempts < 1 {
		v.AddError("dial attempts must be at least 1")
	}
	if cfg.DialTimeout <= 0 {
		v.AddError("dial timeout must be positive")
	}
}

func validateRecoveryConfig(v *Validator, cfg *config.RecoveryConfig) {
	if cfg.MaxRetries < 0 {
		v.AddError("max retries cannot be negative")
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		v.AddError("backoff must satisfy 0 < initial <= max (got %v, %v)", cfg.InitialBackoff, cfg.MaxBackoff)
	}
}

func validateHistoryConfig(v *Validator, cfg *config.HistoryConfig) {
	if cfg.Enabled && strings.TrimSpace(cfg.DSN) == "" {
		v.AddError("history is enabled but no database DSN is configured")
	}
}

func validateRelayConfig(v *Validator, cfg *config.RelayConfig) {
	if cfg.ListenAddr == "" {
		v.AddError("relay listen address cannot be empty")
	} else {
		validateHostPort(v, "relay listen address", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 16 {
		v.AddError("JWT secret too short (min 16 characters)")
	}
	if cfg.TokenTTL <= 0 {
		v.AddError("token TTL must be positive")
	}
	if cfg.TURNEnabled {
		if net.ParseIP(cfg.TURNPublicIP) == nil {
			v.AddError("TURN public IP is invalid: %q", cfg.TURNPublicIP)
		}
		if cfg.TURNPort < 1 || cfg.TURNPort > 65535 {
			v.AddError("invalid TURN port: %d", cfg.TURNPort)
		}
		if cfg.TURNThreads < 1 {
			v.AddError("TURN listener count must be at least 1")
		}
		if !turnUsersRe.MatchString(cfg.TURNUsers) {
			v.AddError("TURN users must be a comma separated list of user=password")
		}
		if strings.TrimSpace(cfg.TURNRealm) == "" {
			v.AddError("TURN realm cannot be empty")
		}
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var turnUsersRe = regexp.MustCompile(`^\w+=\w+(,\w+=\w+)*$`)

func validateHostPort(v *Validator, what, hostport string) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		v.AddError("%s must be host:port: %v", what, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s: %s", what, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in %s: %s", what, portStr)
	}
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	re := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	labels := strings.Split(hostname, ".")
	for _, l := range labels {
		if !re.MatchString(l) {
			return false
		}
	}
	return true
}
