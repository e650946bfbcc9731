// Package vad provides level-based voice activity detection. A Detector
// tracks how long the mean absolute amplitude has continuously stayed at or
// below (silence) or above (voice) a threshold, measured on a wall clock.
package vad
