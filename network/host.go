package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"barterlink/storage"
)

const (
	// DefaultPort is the host port most flows use.
	DefaultPort = 3000
	// DefaultExchangeTimeout bounds reading one request or writing one response.
	DefaultExchangeTimeout = 5 * time.Second
	// DefaultCloseGrace lets the response flush before the socket is torn down.
	DefaultCloseGrace = 100 * time.Millisecond
	// DefaultSelfKeepAliveInterval refreshes the host's own active-user entry.
	DefaultSelfKeepAliveInterval = 10 * time.Second
	// DefaultConnectionRate and DefaultConnectionBurst limit accepts per remote IP.
	DefaultConnectionRate  = rate.Limit(20)
	DefaultConnectionBurst = 40
)

// HostState is the listener lifecycle state.
type HostState string

const (
	HostStopped   HostState = "STOPPED"
	HostStarting  HostState = "STARTING"
	HostListening HostState = "LISTENING"
)

var (
	// ErrHostRunning indicates Start was called on a running host.
	ErrHostRunning = errors.New("network: host already running")
)

// HostOptions configures a Host.
type HostOptions struct {
	// ListenAddress defaults to ":3000" (all interfaces).
	ListenAddress string
	Store         *storage.Store
	DeviceID      string

	ExchangeTimeout       time.Duration
	CloseGrace            time.Duration
	SelfKeepAliveInterval time.Duration
	ConnectionRate        rate.Limit
	ConnectionBurst       int

	Logger *zap.Logger
}

func (o HostOptions) withDefaults() HostOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if out.ExchangeTimeout <= 0 {
		out.ExchangeTimeout = DefaultExchangeTimeout
	}
	if out.CloseGrace <= 0 {
		out.CloseGrace = DefaultCloseGrace
	}
	if out.SelfKeepAliveInterval <= 0 {
		out.SelfKeepAliveInterval = DefaultSelfKeepAliveInterval
	}
	if out.ConnectionRate <= 0 {
		out.ConnectionRate = DefaultConnectionRate
	}
	if out.ConnectionBurst <= 0 {
		out.ConnectionBurst = DefaultConnectionBurst
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Host accepts raw connections and serves one request/response exchange on each.
type Host struct {
	options    HostOptions
	logger     *zap.Logger
	store      *storage.Store
	dispatcher *Dispatcher

	mu       sync.Mutex
	state    HostState
	listener net.Listener
	closed   chan struct{}
	wg       sync.WaitGroup

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

// NewHost validates options. The host starts in HostStopped.
func NewHost(options HostOptions) (*Host, error) {
	opts := options.withDefaults()
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	dispatcher, err := NewDispatcher(DispatcherOptions{
		Store:    opts.Store,
		Presence: opts.Store.ActiveUsers(),
		DeviceID: opts.DeviceID,
		Logger:   opts.Logger.Named("dispatcher"),
	})
	if err != nil {
		return nil, err
	}

	return &Host{
		options:    opts,
		logger:     opts.Logger,
		store:      opts.Store,
		dispatcher: dispatcher,
		state:      HostStopped,
		limiters:   make(map[string]*rate.Limiter),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Addr returns the bound address, or nil when stopped.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Port returns the bound TCP port, or 0 when stopped.
func (h *Host) Port() int {
	if tcpAddr, ok := h.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Start binds the listen address and begins accepting. A bind failure leaves
// the host stopped.
func (h *Host) Start() error {
	h.mu.Lock()
	if h.state != HostStopped {
		h.mu.Unlock()
		return ErrHostRunning
	}
	h.state = HostStarting
	h.mu.Unlock()

	listener, err := net.Listen("tcp", h.options.ListenAddress)
	if err != nil {
		h.setState(HostStopped)
		return fmt.Errorf("listen on %q: %w", h.options.ListenAddress, err)
	}

	h.store.Start()
	if h.options.DeviceID != "" {
		h.store.ActiveUsers().Register(h.options.DeviceID)
	}

	h.mu.Lock()
	h.listener = listener
	h.closed = make(chan struct{})
	h.state = HostListening
	closed := h.closed
	h.mu.Unlock()

	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		h.dispatcher.SetPort(tcpAddr.Port)
	}
	h.dispatcher.ResetUptime()

	h.connMu.Lock()
	h.draining = false
	h.connMu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(listener, closed)
	if h.options.DeviceID != "" {
		h.wg.Add(1)
		go h.selfKeepAlive(closed)
	}

	h.logger.Info("host listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop closes the listener, waits for in-flight exchanges, then clears the
// listing store and active-user registry.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.state != HostListening {
		h.mu.Unlock()
		return nil
	}
	listener := h.listener
	close(h.closed)
	h.mu.Unlock()

	err := listener.Close()
	h.drain()
	h.wg.Wait()
	err = multierr.Append(err, h.store.Stop())

	h.limitMu.Lock()
	h.limiters = make(map[string]*rate.Limiter)
	h.limitMu.Unlock()

	h.mu.Lock()
	h.listener = nil
	h.state = HostStopped
	h.mu.Unlock()

	h.logger.Info("host stopped")
	return err
}

func (h *Host) setState(state HostState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

func (h *Host) acceptLoop(listener net.Listener, closed <-chan struct{}) {
	defer h.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("accept connection failed", zap.Error(err))
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(h.options.ExchangeTimeout)); err != nil {
			h.logger.Debug("set read deadline failed", zap.Error(err))
			_ = conn.Close()
			continue
		}
		if !h.track(conn) {
			_ = conn.Close()
			continue
		}

		h.wg.Add(1)
		go h.handleConn(conn, closed)
	}
}

// track records a live connection. It refuses new ones once Stop has begun.
func (h *Host) track(conn net.Conn) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.draining {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Host) untrack(conn net.Conn) {
	h.connMu.Lock()
	delete(h.conns, conn)
	h.connMu.Unlock()
}

// drain expires the read deadline of every live connection so handlers still
// waiting for a request give up now instead of at the exchange timeout.
// Responses already being written are left to finish.
func (h *Host) drain() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.draining = true
	for conn := range h.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
}

func (h *Host) liveConnections() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return len(h.conns)
}

func (h *Host) handleConn(conn net.Conn, closed <-chan struct{}) {
	defer h.wg.Done()
	defer func() {
		h.untrack(conn)
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	logger := h.logger.With(zap.String("remote", remote))

	if !h.allow(remote) {
		logger.Warn("connection rate limited")
		h.respond(conn, JSONResponse(429, MutationResponse{Error: "too many connections"}), logger)
		h.linger(conn, closed)
		return
	}

	req, err := ReadRequest(conn)
	if err != nil {
		if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrFrameTooLarge) {
			logger.Warn("malformed request", zap.Error(err))
			h.respond(conn, badRequest(err.Error()), logger)
			h.linger(conn, closed)
			return
		}
		// Truncated, timed out, or reset: nobody is left to answer.
		logger.Debug("request dropped", zap.Error(err))
		return
	}

	resp := h.dispatcher.Dispatch(req)
	logger.Debug("exchange", zap.String("method", req.Method), zap.String("path", req.Path), zap.Int("status", resp.StatusCode))
	h.respond(conn, resp, logger)
	h.linger(conn, closed)
}

func (h *Host) respond(conn net.Conn, resp *Response, logger *zap.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(h.options.ExchangeTimeout)); err != nil {
		logger.Debug("set write deadline failed", zap.Error(err))
		return
	}
	if err := WriteResponse(conn, resp); err != nil {
		logger.Warn("write response failed", zap.Error(err))
	}
}

// linger half-closes the socket and waits briefly so the peer reads the whole
// response before the connection is torn down.
func (h *Host) linger(conn net.Conn, closed <-chan struct{}) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}

	timer := time.NewTimer(h.options.CloseGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-closed:
	}
}

func (h *Host) allow(remote string) bool {
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}

	h.limitMu.Lock()
	limiter, ok := h.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(h.options.ConnectionRate, h.options.ConnectionBurst)
		h.limiters[ip] = limiter
	}
	h.limitMu.Unlock()

	return limiter.Allow()
}

func (h *Host) selfKeepAlive(closed <-chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.options.SelfKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.store.ActiveUsers().Register(h.options.DeviceID)
		case <-closed:
			return
		}
	}
}
