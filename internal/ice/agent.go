package ice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pionice "github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"github.com/mikeyg42/meetsession/internal/config"
)

// ErrAlreadyConnecting is returned by a second Connect on the same agent.
var ErrAlreadyConnecting = errors.New("ice: connectivity checks already started")

// Agent is the part of an ICE agent the negotiator drives. One agent
// serves exactly one peer-connection generation.
type Agent interface {
	// LocalCredentials returns the ufrag/pwd advertised in local SDP.
	LocalCredentials() (ufrag, pwd string, err error)

	// OnCandidate registers the sink for gathered candidates. An empty
	// string marks the end of gathering.
	OnCandidate(func(candidate string))

	// OnStateChange registers the sink for connection-state changes.
	OnStateChange(func(ConnectionState))

	// Gather starts candidate gathering and returns immediately.
	Gather() error

	// AddRemoteCandidate hands a remote candidate to the checklist.
	AddRemoteCandidate(candidate string) error

	// Connect starts connectivity checks against the remote credentials
	// and returns immediately. Progress is reported via OnStateChange.
	Connect(ctx context.Context, controlling bool, remoteUfrag, remotePwd string) error

	// SelectedPairRTT is the latest round trip time on the selected pair.
	SelectedPairRTT() (time.Duration, bool)

	Close() error
}

// AgentFactory makes a fresh agent per peer connection.
type AgentFactory func() (Agent, error)

// AgentConfig configures a PionAgent.
type AgentConfig struct {
	Servers         []*stun.URI
	NetworkTypes    []pionice.NetworkType
	LoggerFactory   logging.LoggerFactory
	Logger          *zap.Logger
	IncludeLoopback bool
}

// PionAgent adapts *pionice.Agent to Agent.
type PionAgent struct {
	agent  *pionice.Agent
	logger *zap.Logger

	mu         sync.Mutex
	connecting bool
	conn       *pionice.Conn
	cancel     context.CancelFunc
}

// NewPionAgent creates an agent. Gathering does not start until Gather.
func NewPionAgent(cfg AgentConfig) (*PionAgent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mdns := pionice.MulticastDNSModeQueryOnly
	if cfg.IncludeLoopback {
		mdns = pionice.MulticastDNSModeDisabled
	}

	a, err := pionice.NewAgent(&pionice.AgentConfig{
		Urls:             cfg.Servers,
		NetworkTypes:     cfg.NetworkTypes,
		LoggerFactory:    cfg.LoggerFactory,
		IncludeLoopback:  cfg.IncludeLoopback,
		MulticastDNSMode: mdns,
	})
	if err != nil {
		return nil, fmt.Errorf("create ICE agent: %w", err)
	}
	return &PionAgent{agent: a, logger: logger.Named("ice-agent")}, nil
}

// NewFactory returns an AgentFactory built from the ICE config section.
func NewFactory(cfg config.ICEConfig, lf logging.LoggerFactory, logger *zap.Logger) (AgentFactory, error) {
	servers, err := ParseServers(cfg)
	if err != nil {
		return nil, err
	}
	nts, err := ParseNetworkTypes(cfg.NetworkTypes)
	if err != nil {
		return nil, err
	}
	return func() (Agent, error) {
		return NewPionAgent(AgentConfig{
			Servers:       servers,
			NetworkTypes:  nts,
			LoggerFactory: lf,
			Logger:        logger,
		})
	}, nil
}

func (p *PionAgent) LocalCredentials() (string, string, error) {
	return p.agent.GetLocalUserCredentials()
}

func (p *PionAgent) OnCandidate(f func(string)) {
	_ = p.agent.OnCandidate(func(c pionice.Candidate) {
		if c == nil {
			f("")
			return
		}
		f("candidate:" + c.Marshal())
	})
}

func (p *PionAgent) OnStateChange(f func(ConnectionState)) {
	_ = p.agent.OnConnectionStateChange(func(s pionice.ConnectionState) {
		st, ok := fromPion(s)
		if !ok {
			p.logger.Debug("Ignoring ICE state", zap.String("state", s.String()))
			return
		}
		f(st)
	})
}

func (p *PionAgent) Gather() error {
	return p.agent.GatherCandidates()
}

func (p *PionAgent) AddRemoteCandidate(candidate string) error {
	c, err := pionice.UnmarshalCandidate(candidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCandidate, err)
	}
	return p.agent.AddRemoteCandidate(c)
}

func (p *PionAgent) Connect(ctx context.Context, controlling bool, remoteUfrag, remotePwd string) error {
	p.mu.Lock()
	if p.connecting {
		p.mu.Unlock()
		return ErrAlreadyConnecting
	}
	p.connecting = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		var (
			conn *pionice.Conn
			err  error
		)
		if controlling {
			conn, err = p.agent.Dial(ctx, remoteUfrag, remotePwd)
		} else {
			conn, err = p.agent.Accept(ctx, remoteUfrag, remotePwd)
		}
		if err != nil {
			// The agent reports failure through its state handler.
			p.logger.Debug("Connectivity checks ended", zap.Bool("controlling", controlling), zap.Error(err))
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
	}()
	return nil
}

func (p *PionAgent) SelectedPairRTT() (time.Duration, bool) {
	stats, ok := p.agent.GetSelectedCandidatePairStats()
	if !ok {
		return 0, false
	}
	return time.Duration(stats.CurrentRoundTripTime * float64(time.Second)), true
}

func (p *PionAgent) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		// Closing the conn closes the agent too.
		return conn.Close()
	}
	return p.agent.Close()
}

func fromPion(s pionice.ConnectionState) (ConnectionState, bool) {
	switch s {
	case pionice.ConnectionStateNew:
		return StateNew, true
	case pionice.ConnectionStateChecking:
		return StateChecking, true
	case pionice.ConnectionStateConnected:
		return StateConnected, true
	case pionice.ConnectionStateCompleted:
		return StateCompleted, true
	case pionice.ConnectionStateFailed:
		return StateFailed, true
	case pionice.ConnectionStateDisconnected:
		return StateDisconnected, true
	case pionice.ConnectionStateClosed:
		return StateClosed, true
	default:
		return 0, false
	}
}

// ParseServers turns the configured STUN/TURN URLs into stun.URIs and
// attaches TURN credentials.
func ParseServers(cfg config.ICEConfig) ([]*stun.URI, error) {
	var out []*stun.URI
	for _, raw := range cfg.STUNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("parse STUN server %q: %w", raw, err)
		}
		out = append(out, u)
	}
	for _, raw := range cfg.TURNServers {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("parse TURN server %q: %w", raw, err)
		}
		u.Username = cfg.TURNUsername
		u.Password = cfg.TURNCredential
		out = append(out, u)
	}
	return out, nil
}

// ParseNetworkTypes maps "udp4", "tcp6", ... onto pion network types.
func ParseNetworkTypes(names []string) ([]pionice.NetworkType, error) {
	var out []pionice.NetworkType
	for _, n := range names {
		switch n {
		case "udp4":
			out = append(out, pionice.NetworkTypeUDP4)
		case "udp6":
			out = append(out, pionice.NetworkTypeUDP6)
		case "tcp4":
			out = append(out, pionice.NetworkTypeTCP4)
		case "tcp6":
			out = append(out, pionice.NetworkTypeTCP6)
		default:
			return nil, fmt.Errorf("unknown network type %q", n)
		}
	}
	return out, nil
}
