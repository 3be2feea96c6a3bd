package tunnel

// listener.go - forwarded-tcpip listener.
//
// ssh.Client.Listen keys forwarded channels by the exact bind address
// it sent, and some relays echo back a different one.  We register our
// own forwarded-tcpip handler and accept every channel.

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// channelForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the "forwarded-tcpip" open payload
// (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

type forwardListener struct {
	client   *ssh.Client
	bindAddr string
	bindPort uint32
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

func (l *forwardListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, net.ErrClosed
	case newCh, ok := <-l.incoming:
		if !ok {
			return nil, io.EOF
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		var raddr net.Addr = &net.TCPAddr{}
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
			raddr = &net.TCPAddr{IP: net.ParseIP(payload.OriginAddr), Port: int(payload.OriginPort)}
		}
		return &chanConn{Channel: ch, raddr: raddr}, nil
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *forwardListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		msg := channelForwardMsg{Addr: l.bindAddr, Port: l.bindPort}
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
	})
	return nil
}

func (l *forwardListener) Addr() net.Addr {
	return &net.TCPAddr{Port: int(l.bindPort)}
}

// chanConn adapts an ssh.Channel to net.Conn.
type chanConn struct {
	ssh.Channel
	raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }

// listenRemote asks the server to listen on bindAddr:bindPort and
// returns a listener for the forwarded connections.
func listenRemote(client *ssh.Client, bindAddr string, bindPort int) (net.Listener, error) {
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, fmt.Errorf("forwarded-tcpip handler already registered")
	}
	msg := channelForwardMsg{Addr: bindAddr, Port: uint32(bindPort)}
	ok, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tcpip-forward request denied by peer")
	}
	return &forwardListener{
		client:   client,
		bindAddr: bindAddr,
		bindPort: uint32(bindPort),
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}
