// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package detection

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Notifier delivers alerts to an external channel. Failures are logged by
// the executor and never affect detection.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// newLimiter spaces deliveries at least interval apart. A zero interval
// falls back to def.
func newLimiter(intervalMs int, def time.Duration) *rate.Limiter {
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = def
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// triggerIP is the address that completed the evidence set.
func triggerIP(alert *Alert) string {
	if len(alert.IPs) == 0 {
		return ""
	}
	return alert.IPs[len(alert.IPs)-1]
}

func ipType(ip string) string {
	addr, err := netip.ParseAddr(ip)
	switch {
	case err != nil:
		return "unknown"
	case addr.Is4() || addr.Is4In6():
		return "IPv4"
	default:
		return "IPv6"
	}
}

func alertAction(alert *Alert) string {
	switch {
	case alert.Disabled:
		return "disabled"
	case alert.AutoDisable:
		return "disable pending"
	default:
		return "alert only"
	}
}

// templateValues are the placeholders available to webhook body templates.
func templateValues(alert *Alert) map[string]string {
	ip := triggerIP(alert)
	return map[string]string{
		"username":      alert.Username,
		"user_id":       alert.UserID,
		"ip_address":    ip,
		"ip_type":       ipType(ip),
		"ip_addresses":  strings.Join(alert.IPs, ", "),
		"ip_count":      strconv.Itoa(alert.IPCount),
		"location":      alert.Location,
		"session_count": strconv.Itoa(alert.SessionCount),
		"reason":        alert.Message,
		"device":        alert.Device,
		"client":        alert.Client,
		"action":        alertAction(alert),
		"timestamp":     alert.CreatedAt.Format("2006-01-02 15:04:05"),
	}
}
