package relay

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mikeyg42/meetsession/internal/config"
)

// TURNServer relays media for clients that cannot reach each other
// directly. It listens on cfg.TURNThreads UDP sockets sharing one port.
type TURNServer struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	mu      sync.Mutex
	server  *turn.Server
	addrs   []net.Addr
	started time.Time
}

func NewTURNServer(cfg config.RelayConfig, logger *zap.Logger) *TURNServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TURNServer{cfg: cfg, logger: logger.Named("turn")}
}

var turnUserRe = regexp.MustCompile(`(\w+)=(\w+)`)

// turnKeys parses "user=pass,user2=pass2" into long-term credential keys.
func turnKeys(users, realm string) map[string][]byte {
	keys := map[string][]byte{}
	for _, kv := range turnUserRe.FindAllStringSubmatch(users, -1) {
		keys[kv[1]] = turn.GenerateAuthKey(kv[1], realm, kv[2])
	}
	return keys
}

// Start opens the listeners and starts serving.
func (t *TURNServer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return fmt.Errorf("TURN server is already running")
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("0.0.0.0:%d", t.cfg.TURNPort))
	if err != nil {
		return fmt.Errorf("failed to parse TURN address: %w", err)
	}
	keys := turnKeys(t.cfg.TURNUsers, t.cfg.TURNRealm)

	// SO_REUSEPORT lets the kernel balance packets across listeners by
	// 5-tuple.
	listenConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var opErr error
			if err := conn.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}

	generator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(t.cfg.TURNPublicIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := generator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address generator: %w", err)
	}

	threads := t.cfg.TURNThreads
	if threads < 1 {
		threads = 1
	}
	var (
		conns    []turn.PacketConnConfig
		addrs    []net.Addr
		listenOn = addr.String()
	)
	closeAll := func() {
		for _, c := range conns {
			c.PacketConn.Close()
		}
	}
	for i := 0; i < threads; i++ {
		conn, err := listenConfig.ListenPacket(ctx, addr.Network(), listenOn)
		if err != nil {
			closeAll()
			return fmt.Errorf("failed to listen on %s: %w", listenOn, err)
		}
		// With port 0 the first socket picks the port the rest share.
		listenOn = conn.LocalAddr().String()
		conns = append(conns, turn.PacketConnConfig{PacketConn: conn, RelayAddressGenerator: generator})
		addrs = append(addrs, conn.LocalAddr())
		t.logger.Info("TURN listener ready", zap.Int("listener", i), zap.String("addr", listenOn))
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: t.cfg.TURNRealm,
		AuthHandler: func(username, realm string, src net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				t.logger.Debug("TURN auth rejected", zap.String("user", username), zap.Stringer("from", src))
			}
			return key, ok
		},
		PacketConnConfigs: conns,
	})
	if err != nil {
		closeAll()
		return fmt.Errorf("failed to create TURN server: %w", err)
	}

	t.server = server
	t.addrs = addrs
	t.started = time.Now()
	t.logger.Info("TURN server started",
		zap.String("realm", t.cfg.TURNRealm),
		zap.String("public_ip", t.cfg.TURNPublicIP),
		zap.Int("users", len(keys)))
	return nil
}

// Addrs returns the local addresses of the listeners.
func (t *TURNServer) Addrs() []net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]net.Addr(nil), t.addrs...)
}

// Allocations reports the active relay allocations.
func (t *TURNServer) Allocations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return 0
	}
	return t.server.AllocationCount()
}

// Stop closes the server. Stopping a stopped server is a no-op.
func (t *TURNServer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	err := t.server.Close()
	t.logger.Info("TURN server stopped", zap.Duration("uptime", time.Since(t.started)))
	t.server = nil
	t.addrs = nil
	if err != nil {
		return fmt.Errorf("failed to close TURN server: %w", err)
	}
	return nil
}
