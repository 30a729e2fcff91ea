// Package selink lets a host application exchange secure command/response
// pairs with a smart-card style secure element over a single-outstanding-command
// transport (typically BLE), and report results to a backend service over an
// authenticated, key-tagged HTTP pipeline.
//
// The package has three cooperating parts. The Executor drives one APDU
// command at a time to completion, reassembling multi-part ("concatenated")
// responses and reacting to mid-flight disconnects. SessionKeys negotiates an
// ephemeral encryption key with the backend via ECDH and derives the symmetric
// secret used to protect payloads. Client composes authenticated backend
// requests tagged with the negotiated key id.
//
// The transport itself is owned by the host application; selink only requires
// the small Transport interface. PipeTransport is a unix socket implementation
// used for development against the bundled emulator.
package selink
