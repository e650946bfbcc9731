// Package engine runs the device session loop. One Engine owns the state
// machine, wake gateway, uplink streamer and downlink player, and advances
// all of them from a single cooperative Tick.
package engine
