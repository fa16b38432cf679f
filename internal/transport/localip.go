package transport

import (
	"errors"
	"net"
)

// ErrNoInterface means no connected, non-loopback IPv4 interface was
// found. Fatal for Start.
var ErrNoInterface = errors.New("no connected network interface")

// LocalIP returns this node's IPv4 identity. A concrete host in
// ListenAddr wins; otherwise the first up, non-loopback interface
// address is used. The result is memoized.
func (t *Transport) LocalIP() (string, error) {
	t.localOnce.Do(func() {
		if host, _, err := net.SplitHostPort(t.ListenAddr); err == nil && host != "" {
			if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() && ip.To4() != nil {
				t.localIP = host
				return
			}
		}
		t.localIP, t.localErr = discoverLocalIP()
	})
	return t.localIP, t.localErr
}

func discoverLocalIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ErrNoInterface
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoInterface
}
