// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

/*
Package main is the entry point for the Sessionguard daemon.

Sessionguard polls an Emby server for active playback sessions, counts the
distinct client IPs each account streams from, and alerts on (and optionally
disables) accounts that look shared.

# Application Architecture

The daemon runs under a Suture v4 supervisor tree:

	root ("sessionguard")
	├── data-layer
	│   └── db-checkpoint
	├── detection-layer
	│   ├── poll-loop
	│   └── nats-publisher (when NATS notifications are enabled)
	└── api-layer
	    └── http-server (when the admin API is enabled)

Component initialization order:

 1. Configuration: Koanf v2 with defaults, optional YAML file and environment
 2. Logging: zerolog, configured from the loaded settings
 3. Database: DuckDB session store, schema migration and state restore
 4. Emby client: HTTP client behind a circuit breaker
 5. GeoIP resolver (optional)
 6. Notifiers: webhook, Discord, NATS
 7. Poll loop and admin API
 8. Supervisor tree

# Configuration

Settings are read from built-in defaults, then config.yaml (or the file named
by CONFIG_PATH), then environment variables:

	EMBY_URL=http://emby:8096
	EMBY_API_KEY=your-admin-api-key
	ALERT_THRESHOLD=3
	WHITELIST=admin,family
	API_TOKEN=change-me

# Signal Handling

SIGINT and SIGTERM cancel the tree. The poll loop finishes its cycle, the HTTP
server drains in-flight requests, pending notifications are awaited, and the
database is checkpointed and closed.
*/
package main
