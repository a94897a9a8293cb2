package discovery

import (
	"net"
	"runtime"
	"strconv"

	"github.com/jackpal/gateway"
)

// DefaultPortSpan is how many consecutive ports are tried from the primary
// port, so a host that restarted on a shifted port is still found.
const DefaultPortSpan = 5

// platformGateways lists the addresses hotspot implementations hand their own
// interface, most likely first.
var platformGateways = map[string][]string{
	"android": {"192.168.43.1", "192.168.49.1", "10.0.2.2"},
	"ios":     {"172.20.10.1"},
	"windows": {"192.168.137.1"},
}

// commonGateways is tried on every platform after the platform-specific list.
var commonGateways = []string{
	"192.168.43.1",
	"172.20.10.1",
	"192.168.137.1",
	"127.0.0.1",
}

// Candidate is one address/port pair to probe.
type Candidate struct {
	Address string
	Port    int
}

// HostPort renders the candidate for dialing.
func (c Candidate) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// DefaultAddresses returns the platform gateway list for goos followed by the
// common list, without duplicates.
func DefaultAddresses(goos string) []string {
	out := make([]string, 0, len(commonGateways)+3)
	out = append(out, platformGateways[goos]...)
	out = append(out, commonGateways...)
	return dedupe(out)
}

// SystemGateway returns the default route's gateway, or "" when none can be
// determined (common on a phone that is itself the hotspot).
func SystemGateway() string {
	ip, err := gateway.DiscoverGateway()
	if err != nil || ip == nil {
		return ""
	}
	return ip.String()
}

// BuildCandidates crosses addresses with ports primary..primary+span-1.
// Each address is tried on every port before the next address.
func BuildCandidates(addresses []string, primaryPort, span int) []Candidate {
	if span <= 0 {
		span = DefaultPortSpan
	}
	addresses = dedupe(addresses)

	out := make([]Candidate, 0, len(addresses)*span)
	seen := make(map[Candidate]struct{}, len(addresses)*span)
	for _, address := range addresses {
		for offset := 0; offset < span; offset++ {
			candidate := Candidate{Address: address, Port: primaryPort + offset}
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			out = append(out, candidate)
		}
	}
	return out
}

func currentGOOS() string {
	return runtime.GOOS
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
