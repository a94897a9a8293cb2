package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_barterlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds one browse window.
	DefaultBrowseTimeout = 1500 * time.Millisecond
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls host advertisement and client browsing.
type MDNSConfig struct {
	Service       string
	Domain        string
	Version       int
	BrowseTimeout time.Duration

	DeviceID   string
	DeviceName string
	Port       int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser announces a running host via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the host service. Clients still fall back to gateway
// probing when multicast is filtered, which many hotspots do.
func Advertise(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("device ID is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}

	instance := cfg.DeviceName
	if instance == "" {
		instance = cfg.DeviceID
	}
	txt := []string{
		"device_id=" + cfg.DeviceID,
		"role=host",
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("advertising host", zap.String("service", cfg.Service), zap.Int("port", cfg.Port))
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// HostEntry is one host found by browsing.
type HostEntry struct {
	DeviceID  string
	Port      int
	Addresses []string
}

// Browser resolves advertised hosts.
type Browser struct {
	cfg    MDNSConfig
	browse browseFunc
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config MDNSConfig) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &Browser{cfg: cfg, browse: browse}, nil
}

// Browse collects host entries for one browse window.
func (b *Browser) Browse(ctx context.Context) ([]HostEntry, error) {
	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	collected := make(map[string]HostEntry)
	order := make([]string, 0)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				host, valid := parseEntry(entry, b.cfg.DeviceID)
				if !valid {
					continue
				}
				if _, seen := collected[host.DeviceID]; !seen {
					order = append(order, host.DeviceID)
				}
				collected[host.DeviceID] = host
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	out := make([]HostEntry, 0, len(order))
	for _, id := range order {
		out = append(out, collected[id])
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (HostEntry, bool) {
	if entry == nil || entry.Port <= 0 {
		return HostEntry{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || (selfDeviceID != "" && deviceID == selfDeviceID) {
		return HostEntry{}, false
	}
	if role := txt["role"]; role != "" && role != "host" {
		return HostEntry{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip == nil {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return HostEntry{}, false
	}

	return HostEntry{
		DeviceID:  deviceID,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
