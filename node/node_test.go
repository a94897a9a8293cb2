package node

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"barterlink/discovery"
	"barterlink/models"
	"barterlink/network"
	"barterlink/session"
)

func newHostNode(t *testing.T, deviceID string) *Node {
	t.Helper()

	n, err := New(Options{
		DeviceID:   deviceID,
		DeviceName: "host device",
		Host: network.HostOptions{
			ListenAddress: "127.0.0.1:0",
			CloseGrace:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Close(context.Background())
	})
	return n
}

func newClientNode(t *testing.T, deviceID, hostAddr string) *Node {
	t.Helper()

	host, portText, err := net.SplitHostPort(hostAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	n, err := New(Options{
		DeviceID: deviceID,
		Session: session.Options{
			KeepAliveInterval: 50 * time.Millisecond,
			PollInterval:      30 * time.Millisecond,
			HealthInterval:    50 * time.Millisecond,
			HealthTimeout:     200 * time.Millisecond,
			CleanupTimeout:    time.Second,
		},
		Discovery: discovery.ProberOptions{
			PrimaryPort:  port,
			PortSpan:     1,
			Addresses:    []string{host},
			ProbeTimeout: 300 * time.Millisecond,
		},
		Client: network.ClientOptions{Timeout: time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Close(context.Background())
	})
	return n
}

func TestNewRequiresDeviceID(t *testing.T) {
	_, err := New(Options{DeviceID: "host-"})
	require.Error(t, err)
}

func TestRoleOperationsOutsideRole(t *testing.T) {
	n := newHostNode(t, "H1")
	require.Equal(t, models.RoleOffline, n.Role())

	_, err := n.AddListing(models.Listing{Description: "Water"})
	require.ErrorIs(t, err, ErrNotHosting)
	_, err = n.SendListingToHost(context.Background(), models.Listing{Description: "Water"})
	require.ErrorIs(t, err, ErrNotJoined)

	listings, err := n.PollListings(context.Background())
	require.NoError(t, err)
	require.Empty(t, listings)
	require.False(t, n.CheckHostAlive(context.Background(), time.Second))
	require.Zero(t, n.ActiveUserCount(context.Background()))
}

func TestHostAndClientExchangeListings(t *testing.T) {
	ctx := context.Background()

	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	require.Equal(t, models.RoleHost, hostNode.Role())
	require.Equal(t, "host-H1", hostNode.Identity())
	require.True(t, hostNode.CheckHostAlive(ctx, time.Second))
	require.Equal(t, 1, hostNode.ActiveUserCount(ctx), "host registers itself")

	hostListingID, err := hostNode.AddListing(models.Listing{VendorName: "Hana", Description: "Tent", ProductsInReturn: "Water"})
	require.NoError(t, err)
	require.Equal(t, "server_1", hostListingID)

	hostAddr := hostNode.HostAddr()
	clientNode := newClientNode(t, "C1", hostAddr)
	require.Equal(t, hostAddr, clientNode.DiscoverHost(ctx))

	joined, err := clientNode.JoinHost(ctx, "")
	require.NoError(t, err)
	require.Equal(t, hostAddr, joined)
	require.Equal(t, models.RoleClient, clientNode.Role())

	listing := models.Listing{VendorName: "Cal", Description: "Rope", ProductsInReturn: "Salt"}
	first, err := clientNode.SendListingToHost(ctx, listing)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	second, err := clientNode.SendListingToHost(ctx, listing)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.ServerID, second.ServerID)

	clientView, err := clientNode.PollListings(ctx)
	require.NoError(t, err)
	require.Len(t, clientView, 1)
	require.Equal(t, hostListingID, clientView[0].ServerID)

	hostView, err := hostNode.PollListings(ctx)
	require.NoError(t, err)
	require.Len(t, hostView, 1)
	require.Equal(t, first.ServerID, hostView[0].ServerID)
	require.Equal(t, "client-C1", hostView[0].ClientID)

	require.Eventually(t, func() bool {
		return hostNode.ActiveUserCount(ctx) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, clientNode.ActiveUserCount(ctx))
	require.True(t, clientNode.CheckHostAlive(ctx, time.Second))

	removed, err := clientNode.DeleteOwnListings(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	hostView, err = hostNode.PollListings(ctx)
	require.NoError(t, err)
	require.Empty(t, hostView)
}

func TestLeaveRemovesClientListings(t *testing.T) {
	ctx := context.Background()

	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	clientNode := newClientNode(t, "C1", hostNode.HostAddr())

	_, err := clientNode.JoinHost(ctx, hostNode.HostAddr())
	require.NoError(t, err)
	for _, desc := range []string{"Rope", "Salt", "Rice"} {
		_, err := clientNode.SendListingToHost(ctx, models.Listing{VendorName: "Cal", Description: desc, ProductsInReturn: "Water"})
		require.NoError(t, err)
	}

	require.NoError(t, clientNode.Leave(ctx))
	require.Equal(t, models.RoleOffline, clientNode.Role())

	hostView, err := hostNode.PollListings(ctx)
	require.NoError(t, err)
	require.Empty(t, hostView)
}

func TestClientGoesOfflineWhenHostStops(t *testing.T) {
	ctx := context.Background()

	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	hostAddr := hostNode.HostAddr()
	clientNode := newClientNode(t, "C1", hostAddr)

	_, err := clientNode.JoinHost(ctx, hostAddr)
	require.NoError(t, err)

	require.NoError(t, hostNode.StopHosting())
	require.Equal(t, models.RoleOffline, hostNode.Role())
	require.Empty(t, hostNode.HostAddr())

	require.Eventually(t, func() bool {
		return clientNode.Role() == models.RoleOffline
	}, 5*time.Second, 20*time.Millisecond)
	require.Nil(t, clientNode.Session())
	require.Empty(t, clientNode.DiscoverHost(ctx))
}

func TestRestartHostingStartsEmpty(t *testing.T) {
	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	_, err := hostNode.AddListing(models.Listing{Description: "Tent", VendorName: "Hana", ProductsInReturn: "Water"})
	require.NoError(t, err)
	require.ErrorIs(t, hostNode.StartHosting(), network.ErrHostRunning)

	require.NoError(t, hostNode.StopHosting())
	require.NoError(t, hostNode.StartHosting())

	id, err := hostNode.AddListing(models.Listing{Description: "Tent", VendorName: "Hana", ProductsInReturn: "Water"})
	require.NoError(t, err)
	require.Equal(t, "server_1", id)

	removed, err := hostNode.DeleteOwnListings(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = hostNode.DeleteOwnListings(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, removed)
}

// slowProxy forwards each connection to target after a fixed delay.
type slowProxy struct {
	listener net.Listener
	target   string
	delay    time.Duration
	accepted atomic.Int32
	wg       sync.WaitGroup
}

func startSlowProxy(t *testing.T, target string, delay time.Duration) *slowProxy {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &slowProxy{listener: listener, target: target, delay: delay}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			p.accepted.Add(1)
			p.wg.Add(1)
			go p.forward(conn)
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		p.wg.Wait()
	})
	return p
}

func (p *slowProxy) forward(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	time.Sleep(p.delay)
	upstream, err := net.DialTimeout("tcp", p.target, time.Second)
	if err != nil {
		return
	}
	defer upstream.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_ = upstream.SetDeadline(time.Now().Add(2 * time.Second))

	go func() {
		_, _ = io.Copy(upstream, conn)
	}()
	_, _ = io.Copy(conn, upstream)
}

func (p *slowProxy) addr() string {
	return p.listener.Addr().String()
}

func TestCloseDuringJoinStopsSession(t *testing.T) {
	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	proxy := startSlowProxy(t, hostNode.HostAddr(), 150*time.Millisecond)
	clientNode := newClientNode(t, "C1", hostNode.HostAddr())

	joinErr := make(chan error, 1)
	go func() {
		_, err := clientNode.JoinHost(context.Background(), proxy.addr())
		joinErr <- err
	}()

	require.Eventually(t, func() bool {
		return proxy.accepted.Load() > 0
	}, 2*time.Second, 5*time.Millisecond, "join reached the host")
	require.NoError(t, clientNode.Close(context.Background()))

	select {
	case err := <-joinErr:
		require.ErrorIs(t, err, ErrJoinAborted)
	case <-time.After(3 * time.Second):
		t.Fatalf("join did not return after Close")
	}
	require.Equal(t, models.RoleOffline, clientNode.Role())
	require.Nil(t, clientNode.Session())

	seen := proxy.accepted.Load()
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, seen, proxy.accepted.Load(), "no session traffic after Close")
}

func TestSecondJoinAbortsFirst(t *testing.T) {
	hostNode := newHostNode(t, "H1")
	require.NoError(t, hostNode.StartHosting())
	proxy := startSlowProxy(t, hostNode.HostAddr(), 150*time.Millisecond)
	clientNode := newClientNode(t, "C1", hostNode.HostAddr())

	firstErr := make(chan error, 1)
	go func() {
		_, err := clientNode.JoinHost(context.Background(), proxy.addr())
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return proxy.accepted.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	joined, err := clientNode.JoinHost(context.Background(), hostNode.HostAddr())
	require.NoError(t, err)
	require.Equal(t, hostNode.HostAddr(), joined)

	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, ErrJoinAborted)
	case <-time.After(3 * time.Second):
		t.Fatalf("first join did not return")
	}
	require.Equal(t, models.RoleClient, clientNode.Role())
	require.Equal(t, session.StateConnected, clientNode.Session().State())
}
