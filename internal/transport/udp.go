package transport

import (
	"fmt"
	"net"
)

// maxDatagram bounds a single read. Control messages are small; relay
// payloads are capped well below typical MTU-safe sizes by clients.
const maxDatagram = 64 * 1024

// udpConn adapts a *net.UDPConn to PacketConn with string addresses.
type udpConn struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket on addr ("host:port", port 0 for ephemeral).
func ListenUDP(addr string) (PacketConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return &udpConn{conn: conn}, nil
}

func (u *udpConn) WriteTo(p []byte, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	_, err = u.conn.WriteToUDP(p, raddr)
	return err
}

func (u *udpConn) ReadFrom() ([]byte, string, error) {
	buf := make([]byte, maxDatagram)
	n, raddr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, "", err
	}
	return buf[:n], raddr.String(), nil
}

func (u *udpConn) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

func (u *udpConn) Close() error {
	return u.conn.Close()
}
