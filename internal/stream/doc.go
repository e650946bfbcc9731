// Package stream manages device talk sessions on the service side.
//
// A Session owns one device connection: it reassembles uplink PCM into
// utterances, drives the device through Listening, Thinking and Speaking with
// state commands, records each utterance to disk, optionally transcribes it,
// and streams replies back in staggered START/DATA/END segments. The Manager
// keeps the registry of live sessions and expires idle ones.
package stream
