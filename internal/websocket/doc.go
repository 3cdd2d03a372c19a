// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

/*
Package websocket streams live detection events to admin clients.

The Hub fans every alert and every finished poll cycle out to the connected
clients using gorilla/websocket. It plugs into the rest of the daemon from two
sides:

  - as a detection.Notifier named "websocket", so alerts reach it through the
    same fan-out as the webhook, Discord and NATS notifiers
  - as a monitor.CycleListener, so each cycle status is pushed as it finishes

Architecture:

	             ┌──────────┐
	 alerts ───► │   Hub    │ ◄─── cycle status
	             └────┬─────┘
	                  │
	     ┌────────────┼────────────┐
	     │            │            │
	  Client1      Client2      Client3

Each client has two goroutines:
  - readPump: reads from the connection, answers "ping" messages, extends
    the read deadline on pong frames
  - writePump: writes queued messages and sends ping frames

Message Types:

  - alert: a detection.Alert, sent when an account crosses the threshold
  - cycle: a monitor.Status, sent after every poll cycle
  - ping / pong: application-level keepalive initiated by the client

Slow clients whose queue fills up are dropped rather than allowed to stall the
broadcast. The hub never blocks a caller: when its broadcast buffer is full the
message is dropped and a warning is logged.

Lifecycle:

RunWithContext is supervised in the api-layer of the supervisor tree. On
cancellation every client is closed so a restarted hub starts clean.
*/
package websocket
