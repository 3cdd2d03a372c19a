// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package geo resolves IP addresses to coarse, human readable locations.
//
// Locations only annotate sessions and alerts. Nothing in the detection path
// waits on a lookup for longer than the configured timeout, and a failed
// lookup simply leaves the annotation empty.
package geo

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidIP is returned for strings that are not IP addresses.
	ErrInvalidIP = errors.New("geo: invalid IP address")

	// ErrNoProviders is returned when no provider is configured and available.
	ErrNoProviders = errors.New("geo: no providers available")

	// ErrNotResolved marks a lookup the provider answered but could not place,
	// such as reserved ranges. These are not retried.
	ErrNotResolved = errors.New("geo: address not resolved")
)

// Location is the resolved position of one IP address.
type Location struct {
	IP          string  `json:"ip"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Provider    string  `json:"provider"`
	Local       bool    `json:"local,omitempty"`
}

// String renders "City, Region, Country", skipping empty parts and adjacent
// duplicates (city states often repeat the region).
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Local {
		return "Local Network"
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{l.City, l.Region, l.Country} {
		p = strings.TrimSpace(p)
		if p == "" || (len(parts) > 0 && parts[len(parts)-1] == p) {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

// Provider is one geolocation backend.
type Provider interface {
	// Name is used in logs and metric labels.
	Name() string

	// Available reports whether the provider is configured.
	Available() bool

	// Lookup resolves ip. Implementations must honour ctx cancellation.
	Lookup(ctx context.Context, ip string) (*Location, error)
}
