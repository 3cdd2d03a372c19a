// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

// Package detection decides when an account is being shared and acts on it.
//
// Architecture:
//
//	sessions -> Tracker -> Policy -> Executor -> Store / Emby / Notifiers
//	             |                                 |
//	             +---------- LoadState <-----------+
//
// The Tracker keeps, per account, the set of distinct IP addresses seen since
// the account last had no active sessions (an epoch). The Policy is a pure
// function of that state and the configured threshold. The Executor records
// alerts, disables accounts through Emby and fans alerts out to notifiers.
//
// Tracker state is owned by the poll loop goroutine. Readers such as the HTTP
// API only take snapshots.
package detection
