// Package protocol implements the binary frame format exchanged between the
// device and the remote service: a 7-byte little-endian header followed by a
// payload, plus helpers for state commands, device events and audio metadata.
package protocol
