package turnalloc

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/turn/v4"

	"github.com/kuuji/riftgate/internal/identity"
	"github.com/kuuji/riftgate/internal/pionlog"
)

// refreshMargin is how long before expiry a relay allocation is refreshed;
// mirrors the teacher's convention of refreshing REST-API TURN credentials
// well ahead of their stated lifetime rather than racing the deadline.
const refreshMargin = 5 * time.Minute

// Config configures a relay allocation for one peer against one relay.
type Config struct {
	RelayID    identity.RelayID
	PeerID     identity.PeerID
	ServerAddr string // host:port of the TURN/STUN server
	Realm      string
	Secret     string // shared REST-API secret for this relay
	Lifetime   time.Duration
	Logger     *slog.Logger
}

// Allocation owns one TURN relay transport address for one peer, tracking
// its credential expiry and refreshing it proactively.
type Allocation struct {
	cfg Config
	log *slog.Logger

	conn   net.PacketConn
	client *turn.Client

	mu        sync.Mutex
	username  string
	password  string
	expiresAt time.Time
	relayAddr net.Addr
	srflxAddr net.Addr
}

// New allocates a TURN relay transport for cfg.PeerID against cfg.RelayID's
// server, returning once the allocation and the server-reflexive binding
// are both established.
func New(cfg Config) (*Allocation, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "turnalloc", "relay_id", cfg.RelayID.String(), "peer_id", cfg.PeerID.String())

	username, password, expiresAt := GenerateCredentials(cfg.Secret, cfg.PeerID.String(), cfg.Lifetime)

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("opening local turn transport: %w", err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: cfg.ServerAddr,
		TURNServerAddr: cfg.ServerAddr,
		Conn:           conn,
		Username:       username,
		Password:       password,
		Realm:          cfg.Realm,
		LoggerFactory:  pionlog.NewFactory(log),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating turn client: %w", err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("starting turn client: %w", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("allocating turn relay: %w", err)
	}

	srflx, err := client.SendBindingRequest()
	if err != nil {
		relayConn.Close()
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("sending stun binding request: %w", err)
	}

	log.Info("turn allocation established", "relay_addr", relayConn.LocalAddr(), "srflx_addr", srflx)

	return &Allocation{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		client:    client,
		username:  username,
		password:  password,
		expiresAt: expiresAt,
		relayAddr: relayConn.LocalAddr(),
		srflxAddr: srflx,
	}, nil
}

// RelayAddr returns the relayed transport address candidates should
// advertise.
func (a *Allocation) RelayAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayAddr
}

// ServerReflexiveAddr returns the address the TURN server observed this
// allocation's binding request arrive from.
func (a *Allocation) ServerReflexiveAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.srflxAddr
}

// Credentials returns the long-term username/password currently in effect
// and their expiry, mainly for diagnostics.
func (a *Allocation) Credentials() (username, password string, expiresAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username, a.password, a.expiresAt
}

// NeedsRefresh reports whether the allocation's credential is close enough
// to expiry (within refreshMargin) that it should be refreshed now.
func (a *Allocation) NeedsRefresh(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Add(refreshMargin).After(a.expiresAt)
}

// Refresh extends the allocation's lifetime on the relay without tearing
// down the relayed transport address peers already learned. The original
// long-term credential stays in effect for the life of the underlying TURN
// client; only the bookkeeping expiry this package tracks moves forward.
func (a *Allocation) Refresh(lifetime time.Duration) error {
	if err := a.client.Refresh(lifetime); err != nil {
		return fmt.Errorf("refreshing turn allocation: %w", err)
	}
	expiresAt := time.Now().Add(lifetime)
	a.mu.Lock()
	a.expiresAt = expiresAt
	a.mu.Unlock()
	a.log.Debug("turn allocation refreshed", "expires_at", expiresAt)
	return nil
}

// Close releases the relay allocation and the underlying UDP socket.
func (a *Allocation) Close() error {
	a.client.Close()
	return a.conn.Close()
}
