// Package client is a Go client for the burrow HTTP API. Error responses
// are mapped back onto the errdefs sentinels, so errors.Is works across
// the wire as it does in process.
package client
