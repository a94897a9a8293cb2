package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"barterlink/discovery"
	"barterlink/models"
	"barterlink/network"
	"barterlink/session"
	"barterlink/storage"
)

var (
	// ErrNotHosting indicates a host-role operation was called in another role.
	ErrNotHosting = errors.New("node: not hosting")
	// ErrNotJoined indicates a client-role operation was called without a session.
	ErrNotJoined = errors.New("node: not joined to a host")
	// ErrJoinAborted indicates Leave, Close, or another join ended a join in flight.
	ErrJoinAborted = errors.New("node: join aborted")
)

// Options configures a Node. Host, Session, and Discovery are templates; the
// node fills in identity, store, client, and logger.
type Options struct {
	DeviceID   string
	DeviceName string

	// MDNS advertises while hosting and browses while discovering.
	MDNS bool

	Host      network.HostOptions
	Session   session.Options
	Discovery discovery.ProberOptions
	Client    network.ClientOptions

	Logger *zap.Logger
}

// Node is the surface the rest of the app drives. It owns at most one of a
// hosted store or a client session at a time, depending on role.
type Node struct {
	opts   Options
	logger *zap.Logger
	client *network.Client
	prober *discovery.Prober

	mu         sync.Mutex
	role       models.Role
	store      *storage.Store
	host       *network.Host
	advertiser *discovery.Advertiser
	session    *session.Session
}

// New validates options and returns an offline node.
func New(options Options) (*Node, error) {
	if models.StripRolePrefix(options.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Client.Logger == nil {
		options.Client.Logger = options.Logger.Named("client")
	}

	client := network.NewClient(options.Client)

	probeOpts := options.Discovery
	probeOpts.Client = client
	probeOpts.Logger = options.Logger.Named("discovery")
	if options.MDNS && probeOpts.Browser == nil {
		browser, err := discovery.NewBrowser(discovery.MDNSConfig{
			DeviceID: models.TagIdentity(models.RoleHost, options.DeviceID),
			Logger:   probeOpts.Logger,
		})
		if err != nil {
			options.Logger.Warn("mDNS browse unavailable", zap.Error(err))
		} else {
			probeOpts.Browser = browser
		}
	}

	return &Node{
		opts:   options,
		logger: options.Logger.Named("node"),
		client: client,
		prober: discovery.NewProber(probeOpts),
		role:   models.RoleOffline,
	}, nil
}

// Role returns the current role.
func (n *Node) Role() models.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// Identity returns this device's identity tagged for its current role.
func (n *Node) Identity() string {
	return models.TagIdentity(n.Role(), n.opts.DeviceID)
}

// SetRole tears down the current role and enters the new one. Entering the
// client role discovers a host.
func (n *Node) SetRole(ctx context.Context, role models.Role) error {
	switch role {
	case models.RoleHost:
		return n.StartHosting()
	case models.RoleClient:
		_, err := n.JoinHost(ctx, "")
		return err
	case models.RoleOffline:
		return n.Close(ctx)
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

// StartHosting opens a fresh store, starts the listener, and advertises it.
func (n *Node) StartHosting() error {
	if err := n.leave(context.Background()); err != nil {
		n.logger.Warn("leave host before hosting", zap.Error(err))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == models.RoleHost {
		return network.ErrHostRunning
	}

	identity := models.TagIdentity(models.RoleHost, n.opts.DeviceID)
	store, err := storage.Open(storage.Options{Logger: n.opts.Logger.Named("store")})
	if err != nil {
		return fmt.Errorf("open listing store: %w", err)
	}

	hostOpts := n.opts.Host
	hostOpts.Store = store
	hostOpts.DeviceID = identity
	hostOpts.Logger = n.opts.Logger.Named("host")

	host, err := network.NewHost(hostOpts)
	if err != nil {
		return multierr.Append(err, store.Close())
	}
	if err := host.Start(); err != nil {
		return multierr.Append(fmt.Errorf("start host: %w", err), store.Close())
	}

	if n.opts.MDNS {
		advertiser, err := discovery.Advertise(discovery.MDNSConfig{
			DeviceID:   identity,
			DeviceName: n.opts.DeviceName,
			Port:       host.Port(),
			Logger:     n.opts.Logger.Named("mdns"),
		})
		if err != nil {
			n.logger.Warn("mDNS advertise failed, clients must probe", zap.Error(err))
		} else {
			n.advertiser = advertiser
		}
	}

	n.store = store
	n.host = host
	n.role = models.RoleHost
	n.logger.Info("hosting", zap.String("addr", host.Addr().String()))
	return nil
}

// StopHosting stops the listener and drops the store and every listing in it.
func (n *Node) StopHosting() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != models.RoleHost {
		return nil
	}

	if n.advertiser != nil {
		n.advertiser.Stop()
		n.advertiser = nil
	}
	err := n.host.Stop()
	err = multierr.Append(err, n.store.Close())

	n.host = nil
	n.store = nil
	n.role = models.RoleOffline
	n.logger.Info("stopped hosting")
	return err
}

// HostAddr returns the listener address while hosting, else "".
func (n *Node) HostAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.host == nil || n.host.Addr() == nil {
		return ""
	}
	return n.host.Addr().String()
}

// DiscoverHost probes for a host and returns its address, or "" if none
// answered.
func (n *Node) DiscoverHost(ctx context.Context) string {
	addr, err := n.prober.Discover(ctx)
	if err != nil {
		n.logger.Info("discover host", zap.Error(err))
		return ""
	}
	return addr
}

// JoinHost connects to addr, or discovers a host when addr is empty. It
// returns the connected address.
func (n *Node) JoinHost(ctx context.Context, addr string) (string, error) {
	if err := n.StopHosting(); err != nil {
		n.logger.Warn("stop hosting before join", zap.Error(err))
	}
	if err := n.leave(ctx); err != nil {
		return "", err
	}

	opts := n.opts.Session
	opts.DeviceID = models.TagIdentity(models.RoleClient, n.opts.DeviceID)
	opts.Client = n.client
	opts.Discoverer = n.prober
	opts.Logger = n.opts.Logger.Named("session")

	sess, err := session.New(opts)
	if err != nil {
		return "", err
	}

	// Registered before connecting so leave can abort the attempt.
	n.mu.Lock()
	if n.session != nil {
		n.mu.Unlock()
		return "", ErrJoinAborted
	}
	n.session = sess
	n.mu.Unlock()

	if strings.TrimSpace(addr) == "" {
		addr, err = sess.Connect(ctx)
	} else {
		err = sess.ConnectTo(ctx, addr)
	}

	n.mu.Lock()
	current := n.session == sess
	if err != nil || !current {
		if current {
			n.session = nil
		}
		n.mu.Unlock()
		if !current {
			if discErr := sess.Disconnect(context.Background()); discErr != nil {
				n.logger.Warn("disconnect aborted join", zap.Error(discErr))
			}
			if err == nil || errors.Is(err, context.Canceled) {
				err = ErrJoinAborted
			}
		}
		return "", err
	}
	n.role = models.RoleClient
	n.mu.Unlock()

	if done := sess.Done(); done != nil {
		go n.watch(sess, done)
	}
	return addr, nil
}

// watch drops the node back to offline when the session ends on its own,
// for example after a failed health check.
func (n *Node) watch(sess *session.Session, done <-chan struct{}) {
	<-done

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != sess {
		return
	}
	n.session = nil
	n.role = models.RoleOffline
	n.logger.Info("lost host, back to offline")
}

// Leave disconnects the client session, removing own listings from the host.
func (n *Node) Leave(ctx context.Context) error {
	return n.leave(ctx)
}

func (n *Node) leave(ctx context.Context) error {
	n.mu.Lock()
	sess := n.session
	n.session = nil
	if n.role == models.RoleClient {
		n.role = models.RoleOffline
	}
	n.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Disconnect(ctx)
}

// Session returns the client session, or nil outside the client role.
func (n *Node) Session() *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

// AddListing stores a listing on this device's own host. A missing vendorID
// is filled with the host identity.
func (n *Node) AddListing(listing models.Listing) (string, error) {
	store, err := n.hostedStore()
	if err != nil {
		return "", err
	}
	if listing.VendorID == "" {
		listing.VendorID = models.TagIdentity(models.RoleHost, n.opts.DeviceID)
	}
	listing.ServerID = ""

	result, err := store.Add(listing)
	if err != nil {
		return "", err
	}
	return result.ServerID, nil
}

// SendListingToHost submits a listing to the joined host.
func (n *Node) SendListingToHost(ctx context.Context, listing models.Listing) (network.SubmitResult, error) {
	sess, err := n.joinedSession()
	if err != nil {
		return network.SubmitResult{}, err
	}
	return sess.SendListing(ctx, listing)
}

// DeleteOwnListings removes every listing identity owns, from the local store
// when hosting or from the joined host otherwise. An empty identity means
// this device. Nothing to delete returns 0 and no error.
func (n *Node) DeleteOwnListings(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		identity = n.opts.DeviceID
	}

	switch n.Role() {
	case models.RoleHost:
		store, err := n.hostedStore()
		if err != nil {
			return 0, err
		}
		removed, err := store.DeleteByOwner(identity)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return removed, err
	case models.RoleClient:
		sess, err := n.joinedSession()
		if err != nil {
			return 0, err
		}
		return sess.DeleteOwnListings(ctx, identity)
	default:
		return 0, nil
	}
}

// PollListings returns peers' listings with this device's own removed.
func (n *Node) PollListings(ctx context.Context) ([]models.Listing, error) {
	switch n.Role() {
	case models.RoleHost:
		store, err := n.hostedStore()
		if err != nil {
			return nil, err
		}
		listings, err := store.List()
		if err != nil {
			return nil, err
		}
		return session.FilterListings(listings, n.opts.DeviceID), nil
	case models.RoleClient:
		sess, err := n.joinedSession()
		if err != nil {
			return nil, err
		}
		return sess.PollListings(ctx)
	default:
		return []models.Listing{}, nil
	}
}

// CheckHostAlive reports whether the host this device depends on is up. A
// hosting device checks its own listener.
func (n *Node) CheckHostAlive(ctx context.Context, timeout time.Duration) bool {
	n.mu.Lock()
	host, sess := n.host, n.session
	n.mu.Unlock()

	switch {
	case host != nil:
		return host.State() == network.HostListening
	case sess != nil:
		return sess.CheckHostAlive(ctx, timeout)
	default:
		return false
	}
}

// ActiveUserCount returns the host's active-user figure, or 0 when offline or
// the host cannot be reached.
func (n *Node) ActiveUserCount(ctx context.Context) int {
	n.mu.Lock()
	store, sess := n.store, n.session
	n.mu.Unlock()

	switch {
	case store != nil:
		return store.ActiveUsers().Count()
	case sess != nil:
		count, err := sess.ActiveUsers(ctx)
		if err != nil {
			n.logger.Debug("active users", zap.Error(err))
			return 0
		}
		return count
	default:
		return 0
	}
}

// Close leaves any host and stops hosting.
func (n *Node) Close(ctx context.Context) error {
	return multierr.Append(n.leave(ctx), n.StopHosting())
}

func (n *Node) hostedStore() (*storage.Store, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.store == nil {
		return nil, ErrNotHosting
	}
	return n.store, nil
}

func (n *Node) joinedSession() (*session.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil, ErrNotJoined
	}
	return n.session, nil
}
