package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Chichichkin/logship/pkg/logging"
)

type UDPSender struct {
	mu         sync.Mutex
	conn       net.Conn
	timeout    time.Duration
	remoteAddr string
}

// DialUDP opens a connected UDP socket to addr ("host:port"). Every Send
// writes exactly one datagram.
func DialUDP(addr string, timeout time.Duration) (*UDPSender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, &logging.TransportError{Op: "dial", Target: addr, Err: err}
	}
	return &UDPSender{
		conn:       conn,
		timeout:    timeout,
		remoteAddr: addr,
	}, nil
}

func (u *UDPSender) Send(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return &logging.TransportError{Op: "write", Target: u.remoteAddr, Err: fmt.Errorf("socket closed")}
	}

	if u.timeout > 0 {
		_ = u.conn.SetWriteDeadline(time.Now().Add(u.timeout))
	}
	if _, err := u.conn.Write(data); err != nil {
		return &logging.TransportError{Op: "write", Target: u.remoteAddr, Err: err}
	}
	return nil
}

func (u *UDPSender) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *UDPSender) RemoteAddr() string {
	return u.remoteAddr
}

var _ logging.DatagramSender = (*UDPSender)(nil)
var _ logging.BatchSender = (*HTTPSender)(nil)
