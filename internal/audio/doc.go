// Package audio holds the PCM primitives shared by the device and the
// service: a fixed-capacity sample ring, byte/sample conversion, level
// measurement and WAV encoding for recordings.
package audio
