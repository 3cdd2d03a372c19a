// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

/*
Package models defines the wire types shared across Sessionguard.

Key Components:

  - EmbySession: one active playback session from /Sessions
  - EmbyUser: an Emby user with its policy flags
  - APIResponse: the envelope returned by every admin API endpoint

Emby payloads keep Emby's PascalCase JSON names. Fields Sessionguard does not
read are left out and ignored on decode; the user policy is handled as a raw
map by the Emby client so unknown policy fields survive a round trip.
*/
package models
