// Package device provides file-backed stand-ins for the microphone and
// speaker so the session engine can run on a workstation.
package device
