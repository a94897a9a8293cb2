package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	advertiser, err := Advertise(MDNSConfig{
		DeviceID:   "host-h1",
		DeviceName: "Hal's phone",
		Port:       3000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})
	require.NoError(t, err)
	advertiser.Stop()

	require.Equal(t, "Hal's phone", gotInstance)
	require.Equal(t, DefaultService, gotService)
	require.Equal(t, 3000, gotPort)
	require.ElementsMatch(t, []string{"device_id=host-h1", "role=host", "version=1"}, gotTXT)
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	_, err := Advertise(MDNSConfig{Port: 3000})
	require.Error(t, err)

	_, err = Advertise(MDNSConfig{DeviceID: "h"})
	require.Error(t, err)
}

func TestBrowseCollectsHostsAndSkipsSelf(t *testing.T) {
	browser, err := NewBrowser(MDNSConfig{
		DeviceID: "client-c1",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "self"},
					Port:          3000,
					Text:          []string{"device_id=client-c1", "role=host"},
					AddrIPv4:      []net.IP{net.ParseIP("192.168.43.7")},
				}
				entries <- &zeroconf.ServiceEntry{
					Port:     3001,
					Text:     []string{"device_id=host-h1", "role=host"},
					AddrIPv4: []net.IP{net.ParseIP("192.168.43.1")},
				}
				entries <- &zeroconf.ServiceEntry{
					Port:     3000,
					Text:     []string{"device_id=host-noaddr"},
				}
			}()
			<-ctx.Done()
			return nil
		},
	})
	require.NoError(t, err)

	hosts, err := browser.Browse(context.Background())
	require.NoError(t, err)
	require.Equal(t, []HostEntry{{DeviceID: "host-h1", Port: 3001, Addresses: []string{"192.168.43.1"}}}, hosts)
}

func TestBrowsePropagatesResolverError(t *testing.T) {
	browser, err := NewBrowser(MDNSConfig{
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	})
	require.NoError(t, err)

	_, err = browser.Browse(context.Background())
	require.Error(t, err)
}
