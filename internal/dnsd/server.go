// Package dnsd is the captive-portal DNS responder run alongside the
// fallback access point: every A query is answered with the gateway's
// own address so any URL a phone opens lands on the device.
package dnsd

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	gwerrors "gwbridge/internal/errors"
	"gwbridge/util"
)

// TTL of synthesized answers, in seconds.  Short, so clients re-resolve
// once the real uplink is back.
const TTL = 60

// Server answers one query per Poll.  It has no goroutine of its own.
type Server struct {
	addr    string
	answer  [4]byte
	timeout time.Duration
	logger  *util.Logger

	conn *net.UDPConn
	buf  [512]byte
}

// New returns a stopped responder that will bind addr and answer every
// A query with ip.
func New(addr string, ip net.IP, logger *util.Logger) (*Server, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dnsd: %v is not an IPv4 address", ip)
	}
	s := &Server{addr: addr, timeout: time.Millisecond, logger: logger}
	copy(s.answer[:], ip4)
	return s, nil
}

// Start binds the UDP socket.  Idempotent.
func (s *Server) Start() error {
	if s.conn != nil {
		return nil
	}
	ua, err := net.ResolveUDPAddr("udp4", s.addr)
	if err != nil {
		return fmt.Errorf("dnsd: %w", err)
	}
	conn, err := net.ListenUDP("udp4", ua)
	if err != nil {
		return gwerrors.Wrap("listen", s.addr, err)
	}
	s.conn = conn
	s.logger.Verbose("dnsd listening on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket.  Idempotent.
func (s *Server) Stop() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Poll handles at most one pending query, waiting no longer than the
// poll timeout.  It reports whether a reply was sent.
func (s *Server) Poll() bool {
	if s.conn == nil {
		return false
	}
	s.conn.SetReadDeadline(time.Now().Add(s.timeout)) //nolint:errcheck
	n, peer, err := s.conn.ReadFromUDP(s.buf[:])
	if err != nil {
		if !gwerrors.IsTimeout(err) {
			s.logger.Debug("dnsd read: %v", err)
		}
		return false
	}
	reply, err := s.respond(s.buf[:n])
	if err != nil {
		s.logger.Debug("dnsd %s: %v", peer, err)
		return false
	}
	if _, err := s.conn.WriteToUDP(reply, peer); err != nil {
		s.logger.Debug("dnsd reply %s: %v", peer, err)
		return false
	}
	return true
}

var errNotQuery = errors.New("not a query")

// respond builds the reply for one request packet.  Non-A questions
// get NOERROR with no answers so clients fall back quickly.
func (s *Server) respond(req []byte) ([]byte, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(req)
	if err != nil {
		return nil, err
	}
	if hdr.Response {
		return nil, errNotQuery
	}
	q, err := p.Question()
	if err != nil {
		return nil, err
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 hdr.ID,
		Response:           true,
		Authoritative:      true,
		RecursionDesired:   hdr.RecursionDesired,
		RecursionAvailable: false,
		RCode:              dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(q); err != nil {
		return nil, err
	}
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if q.Type == dnsmessage.TypeA && q.Class == dnsmessage.ClassINET {
		err := b.AResource(dnsmessage.ResourceHeader{
			Name:  q.Name,
			Class: dnsmessage.ClassINET,
			TTL:   TTL,
		}, dnsmessage.AResource{A: s.answer})
		if err != nil {
			return nil, err
		}
	}
	return b.Finish()
}
