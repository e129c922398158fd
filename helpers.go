package fleetcoord

import (
	"fmt"
	"net"
)

// SelfAddress returns host:port for the local interface that routes toward
// coordServer (a host:port), suitable for DirectoryConfig.Address. No
// packets are sent: connecting a UDP socket only selects the route.
func SelfAddress(coordServer, port string) (string, error) {
	conn, dialErr := net.Dial("udp", coordServer)
	if dialErr != nil {
		return "", fmt.Errorf("unable to find route to %q: %w", coordServer, dialErr)
	}
	defer conn.Close()
	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	// JoinHostPort brackets IPv6 addresses
	return net.JoinHostPort(udpAddr.IP.String(), port), nil
}

// SelfHostPorts returns IP:port for every global unicast address of the
// local interfaces. The fleetcoord command uses the first one as the peer
// address when node.address is unset and SelfAddress can't find a route to
// the coordination service.
func SelfHostPorts(port string) ([]string, error) {
	addresses, addrErr := net.InterfaceAddrs()
	if addrErr != nil {
		return nil, fmt.Errorf("unable to get self IP address: %w", addrErr)
	}

	var selfIP []string
	for _, addr := range addresses {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP.To4()
			if ip == nil {
				ip = v.IP.To16()
			}
		}
		if ip != nil && ip.IsGlobalUnicast() {
			selfIP = append(selfIP, net.JoinHostPort(ip.String(), port))
		}
	}

	return selfIP, nil
}
