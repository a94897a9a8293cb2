package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"barterlink/models"
	"barterlink/network"
)

const (
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultPollInterval      = 2500 * time.Millisecond
	DefaultHealthInterval    = 7 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
	DefaultCleanupTimeout    = 5 * time.Second
)

// State is the client session lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateDiscovering   State = "DISCOVERING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
)

var (
	// ErrNotConnected indicates an operation that needs a host was called while idle.
	ErrNotConnected = errors.New("session: not connected to a host")
	// ErrBusy indicates Connect was called while the session was not idle.
	ErrBusy = errors.New("session: already connecting or connected")
	// ErrHostUnreachable indicates a failed health check.
	ErrHostUnreachable = errors.New("session: host unreachable")
)

// Discoverer locates a host. *discovery.Prober implements it.
type Discoverer interface {
	Discover(ctx context.Context) (string, error)
}

// Options configures a Session.
type Options struct {
	DeviceID   string
	Client     *network.Client
	Discoverer Discoverer

	KeepAliveInterval time.Duration
	PollInterval      time.Duration
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	CleanupTimeout    time.Duration

	// OnListings receives every filtered poll result.
	OnListings func([]models.Listing)
	// OnStateChange receives every transition.
	OnStateChange func(State)

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Client == nil {
		out.Client = network.NewClient(network.ClientOptions{Logger: out.Logger})
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = DefaultHealthInterval
	}
	if out.HealthTimeout <= 0 {
		out.HealthTimeout = DefaultHealthTimeout
	}
	if out.CleanupTimeout <= 0 {
		out.CleanupTimeout = DefaultCleanupTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Snapshot is a copy of the session's bookkeeping.
type Snapshot struct {
	Role              models.Role
	State             State
	HostAddress       string
	LastPollAt        time.Time
	LastHealthCheckAt time.Time
	OwnListingIDs     []string
	ActiveUsers       int
}

// Session keeps a client's view of one host honest: keep-alive, listing poll,
// and health check run concurrently while connected, and all three stop
// together when the session leaves Connected.
type Session struct {
	opts   Options
	client *network.Client
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	hostAddr          string
	lastPollAt        time.Time
	lastHealthCheckAt time.Time
	ownListingIDs     []string
	activeUsers       int
	listings          []models.Listing
	cancel            context.CancelFunc
	done              chan struct{}

	// connectCancel and connectDone are set while Connect or ConnectTo runs.
	connectCancel context.CancelFunc
	connectDone   chan struct{}
}

// New validates options and returns an idle session.
func New(options Options) (*Session, error) {
	opts := options.withDefaults()
	if models.StripRolePrefix(opts.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}

	return &Session{
		opts:   opts,
		client: opts.Client,
		logger: opts.Logger.With(zap.String("device_id", opts.DeviceID)),
		state:  StateIdle,
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HostAddress returns the connected host, or "" when idle.
func (s *Session) HostAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostAddr
}

// Listings returns the latest filtered poll result.
func (s *Session) Listings() []models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Listing(nil), s.listings...)
}

// Snapshot returns a copy of the session bookkeeping.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Role:              models.RoleClient,
		State:             s.state,
		HostAddress:       s.hostAddr,
		LastPollAt:        s.lastPollAt,
		LastHealthCheckAt: s.lastHealthCheckAt,
		OwnListingIDs:     append([]string(nil), s.ownListingIDs...),
		ActiveUsers:       s.activeUsers,
	}
}

// Connect discovers a host and connects to it.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if s.opts.Discoverer == nil {
		return "", errors.New("session: no discoverer configured")
	}
	ctx, finish, err := s.beginConnect(ctx)
	if err != nil {
		return "", err
	}
	defer finish()

	addr, err := s.opts.Discoverer.Discover(ctx)
	if err != nil {
		s.transition(StateDiscovering, StateIdle)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}

	if err := s.attach(ctx, addr); err != nil {
		return "", err
	}
	return addr, nil
}

// ConnectTo connects to a known host address, skipping discovery.
func (s *Session) ConnectTo(ctx context.Context, addr string) error {
	ctx, finish, err := s.beginConnect(ctx)
	if err != nil {
		return err
	}
	defer finish()
	return s.attach(ctx, addr)
}

// beginConnect moves Idle to Discovering and returns a context that
// Disconnect cancels. finish must be called once the attempt is over.
func (s *Session) beginConnect(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, nil, ErrBusy
	}
	connectCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateDiscovering
	s.connectCancel = cancel
	s.connectDone = done
	s.mu.Unlock()
	s.notify(StateIdle, StateDiscovering)

	finish := func() {
		s.mu.Lock()
		s.connectCancel = nil
		s.connectDone = nil
		s.mu.Unlock()
		cancel()
		close(done)
	}
	return connectCtx, finish, nil
}

// attach probes addr and starts the connected loops unless ctx was cancelled
// in the meantime.
func (s *Session) attach(ctx context.Context, addr string) error {
	if !s.probe(ctx, addr, s.opts.HealthTimeout) {
		s.transition(StateDiscovering, StateIdle)
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s did not answer", ErrHostUnreachable, addr)
	}

	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		s.transition(StateDiscovering, StateIdle)
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.hostAddr = addr
	s.cancel = cancel
	s.done = done
	s.lastHealthCheckAt = time.Now()
	s.state = StateConnected
	s.mu.Unlock()

	s.notify(StateDiscovering, StateConnected)
	s.logger.Info("connected to host", zap.String("host", addr))

	go s.run(runCtx, addr, done)
	return nil
}

// Disconnect aborts an in-flight connect, cancels all loops, performs
// best-effort cleanup, and returns once the session is idle or ctx ends.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	connectCancel, connectDone := s.connectCancel, s.connectDone
	s.mu.Unlock()

	if connectCancel != nil {
		connectCancel()
		select {
		case <-connectDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current connection has fully returned to Idle.
// It returns nil when the session is not connected.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) run(runCtx context.Context, addr string, done chan struct{}) {
	defer close(done)

	group, ctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		s.every(ctx, s.opts.KeepAliveInterval, true, func(ctx context.Context) error {
			return s.keepAlive(ctx, addr)
		})
		return nil
	})
	group.Go(func() error {
		s.every(ctx, s.opts.PollInterval, true, func(ctx context.Context) error {
			_, err := s.poll(ctx, addr)
			return err
		})
		return nil
	})
	group.Go(func() error {
		return s.every(ctx, s.opts.HealthInterval, false, func(ctx context.Context) error {
			if !s.probe(ctx, addr, s.opts.HealthTimeout) {
				if ctx.Err() != nil {
					return nil
				}
				return ErrHostUnreachable
			}
			return nil
		})
	})

	reason := group.Wait()
	if reason != nil {
		s.logger.Warn("health check failed, leaving host", zap.String("host", addr), zap.Error(reason))
	}

	s.transition(StateConnected, StateDisconnecting)
	s.cleanup(addr)

	s.mu.Lock()
	s.hostAddr = ""
	s.cancel = nil
	s.done = nil
	s.listings = nil
	s.ownListingIDs = nil
	s.activeUsers = 0
	s.mu.Unlock()

	s.transition(StateDisconnecting, StateIdle)
	s.logger.Info("disconnected from host", zap.String("host", addr))
}

// every runs fn on each tick until ctx ends. Only the health loop treats an
// fn error as fatal; the other loops log and wait for the next tick.
func (s *Session) every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context) error) error {
	if immediate {
		if err := fn(ctx); errors.Is(err, ErrHostUnreachable) {
			return err
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			if err := fn(ctx); errors.Is(err, ErrHostUnreachable) {
				return err
			}
		}
	}
}

func (s *Session) keepAlive(ctx context.Context, addr string) error {
	count, err := s.client.KeepAlive(ctx, addr, s.opts.DeviceID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("keep-alive failed", zap.Error(err))
		}
		return err
	}
	s.mu.Lock()
	s.activeUsers = count
	s.mu.Unlock()
	return nil
}

func (s *Session) probe(ctx context.Context, addr string, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := s.client.Hello(probeCtx, addr)
	if err != nil {
		s.logger.Debug("health check failed", zap.String("host", addr), zap.Error(err))
	}

	s.mu.Lock()
	s.lastHealthCheckAt = time.Now()
	s.mu.Unlock()
	return err == nil && ok
}

// poll fetches, filters, and publishes listings. Results that arrive after
// ctx ended are dropped.
func (s *Session) poll(ctx context.Context, addr string) ([]models.Listing, error) {
	raw, err := s.client.Listings(ctx, addr)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("poll failed", zap.Error(err))
		}
		return nil, err
	}
	filtered := FilterListings(raw, s.opts.DeviceID)

	s.mu.Lock()
	if ctx.Err() != nil || s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.lastPollAt = time.Now()
	s.listings = filtered
	s.mu.Unlock()

	if s.opts.OnListings != nil {
		s.opts.OnListings(append([]models.Listing(nil), filtered...))
	}
	return filtered, nil
}

func (s *Session) cleanup(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CleanupTimeout)
	defer cancel()

	removed, err := s.client.DeleteListings(ctx, addr, s.opts.DeviceID, network.DeleteByOwner)
	switch {
	case errors.Is(err, network.ErrNotFound):
		s.logger.Debug("no own listings to remove on disconnect")
	case err != nil:
		s.logger.Warn("remove own listings on disconnect failed", zap.String("host", addr), zap.Error(err))
	default:
		s.logger.Info("removed own listings on disconnect", zap.Int("count", removed))
	}
}

// transition moves from -> to and reports whether the session was in from.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.notify(from, to)
	return true
}

// notify reports a transition. It runs outside s.mu.
func (s *Session) notify(from, to State) {
	s.logger.Debug("session state", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(to)
	}
}

func (s *Session) connectedAddr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return "", ErrNotConnected
	}
	return s.hostAddr, nil
}
