package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"syscall"
)

const udpReadBuffer = 64 << 10

// enableBroadcast sets SO_BROADCAST on the socket. The net package
// never sets it, and without it sendto() to 255.255.255.255 fails
// with EACCES.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var optErr error
	if err := raw.Control(func(fd uintptr) {
		optErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return optErr
}

func (t *Transport) udpLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, udpReadBuffer)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("udp read: %v", err)
			}
			return
		}
		src := raddr.IP.String()
		if !t.ForwardAll {
			if local, err := t.LocalIP(); err == nil && src == local {
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		t.markSeen(src)
		if t.OnMessage != nil {
			t.OnMessage(Message{From: src, Payload: payload, UDP: true})
		}
	}
}

// SendUDP sends a single datagram to addr. No delivery guarantee.
func (t *Transport) SendUDP(addr string, payload []byte) error {
	t.mu.Lock()
	conn, port, stopped := t.udp, t.port, t.stopped
	t.mu.Unlock()
	if stopped || conn == nil {
		return ErrStopped
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid address %q", addr)
	}
	_, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: port})
	return err
}

// SendBroadcast sends a datagram to the subnet broadcast address.
func (t *Transport) SendBroadcast(payload []byte) error {
	t.mu.Lock()
	conn, port, stopped := t.udp, t.port, t.stopped
	t.mu.Unlock()
	if stopped || conn == nil {
		return ErrStopped
	}
	_, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	return err
}

// SendUDPAll sends payload to every known peer.
func (t *Transport) SendUDPAll(payload []byte) error {
	var errs []error
	for _, p := range t.Peers() {
		if err := t.SendUDP(p.Addr, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
