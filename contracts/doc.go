// Package contracts provides the wire-level types shared by callers, handlers
// and transports.
//
// This package defines:
//   - Command and Event: payload types that declare their own channel
//   - Envelope: payload plus routing and correlation headers
//   - ExecutionContext: caller identity propagated with every message
//   - ErrorEnvelope: the JSON body of a failed command reply
//
// Payloads are JSON so services written against other runtimes can share
// the same channels.
package contracts
