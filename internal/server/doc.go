// Package server exposes the hub to WebSocket clients.
//
// Each accepted connection gets a read pump that rate limits and dispatches
// inbound frames and a write pump that drains the connection's outbound
// queue. When the hub closes a connection the write pump sends a close
// frame whose code reflects the close reason. The package also serves a
// health endpoint, a browser test page and the message history API.
package server
