// Package timeouts defines shared timeout constants used across the arena
// services.
package timeouts

import "time"

// Propose caps the wait for a consensus proposal to commit.
const Propose = 3 * time.Second

// ClusterDial caps the wait time when dialing a cluster peer.
const ClusterDial = 2 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits graceful shutdown of servers and telemetry.
const Shutdown = 5 * time.Second

// WebSocketWrite caps a single WebSocket frame write.
const WebSocketWrite = 3 * time.Second

// WebSocketRead caps the wait for the next client frame.
const WebSocketRead = 30 * time.Second
