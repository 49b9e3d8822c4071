package webhook

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrBlockedAddress is returned for endpoints on loopback, private or
// link-local networks.
var ErrBlockedAddress = errors.New("webhook address is not public")

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// PublicIP reports whether ip is a globally routable unicast address.
func PublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	}
	if v4 := ip.To4(); v4 != nil && (v4[0] == 0 || v4.Equal(net.IPv4bcast) || sharedAddressSpace.Contains(v4)) {
		return false
	}
	return true
}

// PublicHost rejects localhost names and non-public IP literals. Other names
// pass here; the address they resolve to is checked again when dialing.
func PublicHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return PublicIP(ip)
	}
	return true
}

// dialControl refuses connections to non-public addresses after DNS resolution.
func dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if !PublicIP(net.ParseIP(host)) {
		return ErrBlockedAddress
	}
	return nil
}
