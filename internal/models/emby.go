// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package models

import (
	"net/netip"
	"strings"
)

// EmbySession is one entry of GET /emby/Sessions. Only the fields the
// detector reads are declared.
type EmbySession struct {
	ID               string `json:"Id"`
	Client           string `json:"Client"`
	DeviceID         string `json:"DeviceId"`
	DeviceName       string `json:"DeviceName"`
	UserID           string `json:"UserId"`
	UserName         string `json:"UserName"`
	RemoteEndPoint   string `json:"RemoteEndPoint"` // "ip", "ip:port" or "[v6]:port"
	LastActivityDate string `json:"LastActivityDate"`

	NowPlayingItem *EmbyNowPlayingItem `json:"NowPlayingItem,omitempty"`
	PlayState      *EmbyPlayState      `json:"PlayState,omitempty"`
}

// EmbyNowPlayingItem is the item a session is playing.
type EmbyNowPlayingItem struct {
	ID         string `json:"Id"`
	Name       string `json:"Name"`
	Type       string `json:"Type"` // Movie, Episode, Audio, TvChannel
	SeriesName string `json:"SeriesName,omitempty"`
}

// EmbyPlayState carries the pause flag and play method.
type EmbyPlayState struct {
	IsPaused   bool   `json:"IsPaused"`
	PlayMethod string `json:"PlayMethod,omitempty"`
}

// IsActive reports whether the session is playing or paused on an item.
// Idle clients (apps open on the home screen) are not counted.
func (s *EmbySession) IsActive() bool {
	return s.NowPlayingItem != nil
}

// GetIPAddress returns RemoteEndPoint without its port. The address text is
// otherwise left untouched: "::ffff:10.0.0.1" and "10.0.0.1" stay different.
func (s *EmbySession) GetIPAddress() string {
	ep := strings.TrimSpace(s.RemoteEndPoint)
	if ep == "" {
		return ""
	}
	if _, err := netip.ParseAddr(ep); err == nil {
		return ep
	}
	if strings.HasPrefix(ep, "[") {
		if idx := strings.LastIndex(ep, "]:"); idx != -1 {
			return ep[1:idx]
		}
		return strings.Trim(ep, "[]")
	}
	if idx := strings.LastIndex(ep, ":"); idx != -1 {
		return ep[:idx]
	}
	return ep
}

// MediaTitle is a short human label for the playing item.
func (s *EmbySession) MediaTitle() string {
	if s.NowPlayingItem == nil {
		return ""
	}
	if s.NowPlayingItem.SeriesName != "" {
		return s.NowPlayingItem.SeriesName + " - " + s.NowPlayingItem.Name
	}
	return s.NowPlayingItem.Name
}

// EmbyUser is returned by GET /emby/Users/{id}.
//
// Policy is kept as a generic map because POST /Users/{id}/Policy replaces
// the whole policy: unknown fields must be sent back unchanged.
type EmbyUser struct {
	ID     string         `json:"Id"`
	Name   string         `json:"Name"`
	Policy map[string]any `json:"Policy,omitempty"`
}

// IsDisabled reads Policy.IsDisabled.
func (u *EmbyUser) IsDisabled() bool {
	v, _ := u.Policy["IsDisabled"].(bool)
	return v
}

// IsAdministrator reads Policy.IsAdministrator.
func (u *EmbyUser) IsAdministrator() bool {
	v, _ := u.Policy["IsAdministrator"].(bool)
	return v
}
