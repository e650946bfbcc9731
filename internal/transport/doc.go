// Package transport carries binary frames between the device and the
// remote service. Transport is the contract the session engine depends on;
// WebSocket is the client implementation used on the device.
package transport
