package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"barterlink/network"
)

const (
	// DefaultProbeTimeout bounds each candidate probe.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultPassTimeout bounds one shared discovery pass.
	DefaultPassTimeout = 30 * time.Second
)

// ErrHostNotFound means no candidate answered the liveness probe.
var ErrHostNotFound = errors.New("discovery: no host found; retry or enter the host address manually")

// ProbeFunc reports whether addr answered like a host.
type ProbeFunc func(ctx context.Context, addr string) bool

// HostBrowser finds advertised hosts. *Browser implements it.
type HostBrowser interface {
	Browse(ctx context.Context) ([]HostEntry, error)
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	PrimaryPort int
	PortSpan    int
	// Addresses replaces the platform defaults when set.
	Addresses []string
	// ExtraAddresses are tried after the defaults.
	ExtraAddresses []string
	ProbeTimeout   time.Duration
	PassTimeout    time.Duration

	// Browser, when set, contributes mDNS-resolved hosts ahead of guesses.
	Browser HostBrowser
	// UseSystemGateway adds the default route's gateway ahead of the platform list.
	UseSystemGateway bool

	Client *network.Client
	Logger *zap.Logger

	probe     ProbeFunc
	gatewayFn func() string
	goos      string
}

func (o ProberOptions) withDefaults() ProberOptions {
	out := o
	if out.PrimaryPort <= 0 {
		out.PrimaryPort = network.DefaultPort
	}
	if out.PortSpan <= 0 {
		out.PortSpan = DefaultPortSpan
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.PassTimeout <= 0 {
		out.PassTimeout = DefaultPassTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Client == nil {
		out.Client = network.NewClient(network.ClientOptions{Timeout: out.ProbeTimeout, Logger: out.Logger})
	}
	if out.gatewayFn == nil {
		out.gatewayFn = SystemGateway
	}
	if out.goos == "" {
		out.goos = currentGOOS()
	}
	return out
}

// Prober locates a responding host with no prior knowledge of its address.
type Prober struct {
	opts   ProberOptions
	probe  ProbeFunc
	logger *zap.Logger
	group  singleflight.Group

	passMu     sync.Mutex
	waiters    int
	passCancel context.CancelFunc
}

// NewProber returns a prober with defaults applied.
func NewProber(options ProberOptions) *Prober {
	opts := options.withDefaults()
	p := &Prober{opts: opts, logger: opts.Logger}
	p.probe = opts.probe
	if p.probe == nil {
		p.probe = p.hello
	}
	return p
}

// Candidates builds the ordered candidate list for one discovery pass.
func (p *Prober) Candidates(ctx context.Context) []Candidate {
	var candidates []Candidate

	if p.opts.Browser != nil {
		hosts, err := p.opts.Browser.Browse(ctx)
		if err != nil {
			p.logger.Debug("mDNS browse failed", zap.Error(err))
		}
		for _, host := range hosts {
			candidates = append(candidates, BuildCandidates(host.Addresses, host.Port, 1)...)
		}
	}

	addresses := make([]string, 0, 8)
	if p.opts.UseSystemGateway {
		addresses = append(addresses, p.opts.gatewayFn())
	}
	if len(p.opts.Addresses) > 0 {
		addresses = append(addresses, p.opts.Addresses...)
	} else {
		addresses = append(addresses, DefaultAddresses(p.opts.goos)...)
	}
	addresses = append(addresses, p.opts.ExtraAddresses...)

	candidates = append(candidates, BuildCandidates(addresses, p.opts.PrimaryPort, p.opts.PortSpan)...)
	return uniqueCandidates(candidates)
}

// Discover probes candidates in order and returns the first host:port that
// answers. Concurrent callers share one pass, which runs detached from any
// single caller and stops early once every caller has given up.
func (p *Prober) Discover(ctx context.Context) (string, error) {
	p.join()
	defer p.leave()

	for {
		results := p.group.DoChan("discover", p.pass)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-results:
			if err := ctx.Err(); err != nil {
				return "", err
			}
			// A pass abandoned by earlier callers; run a fresh one for this caller.
			if errors.Is(res.Err, context.Canceled) {
				continue
			}
			if res.Err != nil {
				return "", res.Err
			}
			return res.Val.(string), nil
		}
	}
}

func (p *Prober) pass() (any, error) {
	passCtx, cancel := context.WithTimeout(context.Background(), p.opts.PassTimeout)
	p.passMu.Lock()
	p.passCancel = cancel
	abandoned := p.waiters == 0
	p.passMu.Unlock()

	defer func() {
		p.passMu.Lock()
		p.passCancel = nil
		p.passMu.Unlock()
		cancel()
	}()

	if abandoned {
		return "", context.Canceled
	}
	return p.discover(passCtx)
}

func (p *Prober) join() {
	p.passMu.Lock()
	p.waiters++
	p.passMu.Unlock()
}

func (p *Prober) leave() {
	p.passMu.Lock()
	defer p.passMu.Unlock()
	p.waiters--
	if p.waiters == 0 && p.passCancel != nil {
		p.passCancel()
	}
}

func (p *Prober) waiting() int {
	p.passMu.Lock()
	defer p.passMu.Unlock()
	return p.waiters
}

func (p *Prober) discover(ctx context.Context) (string, error) {
	candidates := p.Candidates(ctx)
	p.logger.Debug("discovery pass", zap.Int("candidates", len(candidates)))

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		addr := candidate.HostPort()
		probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
		ok := p.probe(probeCtx, addr)
		cancel()
		if ok {
			p.logger.Info("host discovered", zap.String("addr", addr))
			return addr, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.logger.Info("no host found", zap.Int("candidates", len(candidates)))
	return "", ErrHostNotFound
}

func (p *Prober) hello(ctx context.Context, addr string) bool {
	ok, err := p.opts.Client.Hello(ctx, addr)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	return ok
}

func uniqueCandidates(candidates []Candidate) []Candidate {
	seen := make(map[Candidate]struct{}, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}
