// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package geo

import (
	"net/netip"
)

// privateRanges cannot be geolocated: RFC 1918, loopback, link-local,
// carrier-grade NAT and their IPv6 equivalents.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsPrivateIP reports whether ip is in a private, loopback or link-local
// range. IPv4-mapped IPv6 addresses are checked as their IPv4 form; the
// string itself is never rewritten.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LocalLocation is the fixed answer for private addresses.
func LocalLocation(ip string) *Location {
	return &Location{IP: ip, Provider: "local", Local: true}
}

func validIP(ip string) bool {
	_, err := netip.ParseAddr(ip)
	return err == nil
}
