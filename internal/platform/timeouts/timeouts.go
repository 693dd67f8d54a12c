// Package timeouts defines shared timeout constants used across ledger binaries.
package timeouts

import "time"

// GRPCRequest caps a single health probe against the ledger.
const GRPCRequest = 2 * time.Second

// Dial caps connecting to an optional dependency at startup.
const Dial = 2 * time.Second

// ReadHeader limits how long the HTTP API waits for request headers.
const ReadHeader = 5 * time.Second

// Request caps the handling time of one HTTP API request.
const Request = 30 * time.Second

// Shutdown limits how long servers wait for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
