package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/zde37/corduroy/pkg"
)

// SplitAddress parses "host:port" without touching the resolver.
func SplitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", pkg.ErrAddressResolution, addr, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q: missing host", pkg.ErrAddressResolution, addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q: invalid port %q", pkg.ErrAddressResolution, addr, portStr)
	}
	return host, port, nil
}

// ResolveAddress turns "host:port" into the canonical "ip:port" form used as
// node identity, so "localhost:9001" and "127.0.0.1:9001" name the same node.
// IPv4 results are preferred when a host has both families.
func ResolveAddress(ctx context.Context, addr string) (string, error) {
	host, port, err := SplitAddress(addr)
	if err != nil {
		return "", err
	}

	if ip := net.ParseIP(host); ip != nil {
		return canonical(ip, port), nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", pkg.ErrAddressResolution, addr, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("%w: %q: no addresses for host", pkg.ErrAddressResolution, addr)
	}

	chosen := ips[0].IP
	for _, candidate := range ips {
		if candidate.IP.To4() != nil {
			chosen = candidate.IP
			break
		}
	}
	return canonical(chosen, port), nil
}

func canonical(ip net.IP, port int) string {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
