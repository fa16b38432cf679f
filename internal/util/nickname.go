package util

import (
	"fmt"
	"math/rand"
)

// GenerateRandomNickname generates a random nickname from a predefined list and appends a random tag.
func GenerateRandomNickname() string {
	names := []string{
		"Relay", "Packet", "Socket", "Beacon", "Signal", "Uplink", "Subnet", "Router", "Switch", "Bridge",
		"Frame", "Datagram", "Payload", "Header", "Checksum", "Octet", "Nibble", "Buffer", "Stream", "Chunk",
		"Gateway", "Endpoint", "Loopback", "Multicast", "Unicast", "Handshake", "Backbone", "Firewall", "Proxy", "Tunnel",
		"Ping", "Pong", "Echo", "Trace", "Probe", "Scan", "Sniff", "Hop", "Route", "Peer",
		"Lan", "Wan", "Mesh", "Node", "Link", "Port", "Wire", "Fiber", "Ether", "Radio",
	}
	name := names[rand.Intn(len(names))]
	tag := rand.Intn(90000) + 10000 // 5-digit tag
	return fmt.Sprintf("%s#%d", name, tag)
}
