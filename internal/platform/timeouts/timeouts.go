// Package timeouts collects the durations shared by the chat server and its
// clients.
package timeouts

import "time"

// GRPCDial caps the wait for a gRPC collaborator to become healthy.
const GRPCDial = 2 * time.Second

// GRPCRequest caps a single collaborator call (directory lookups).
const GRPCRequest = 2 * time.Second

// Introspection caps a credential check against the identity service.
const Introspection = 3 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits graceful HTTP shutdown.
const Shutdown = 5 * time.Second

// HistoryFetch bounds one history page request from a client.
const HistoryFetch = 10 * time.Second

// Join bounds the wait for a join acknowledgement.
const Join = 10 * time.Second

// Liveness is how long a push connection may stay silent before the server
// treats it as lost.
const Liveness = 45 * time.Second

// Ping is the client heartbeat interval; it must stay well under Liveness.
const Ping = 15 * time.Second

// Write bounds a single frame write on a push connection.
const Write = 5 * time.Second
