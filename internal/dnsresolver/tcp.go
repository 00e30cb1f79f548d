package dnsresolver

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ReadTCPQuery reads one length-prefixed DNS message from a stream
// connection, using miekg/dns's own Conn wrapper rather than hand-rolling
// the two-byte length prefix RFC 1035 section 4.2.2 specifies.
func ReadTCPQuery(c net.Conn) (*dns.Msg, error) {
	conn := &dns.Conn{Conn: c}
	msg, err := conn.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("reading tcp dns query: %w", err)
	}
	return msg, nil
}

// WriteTCPReply writes one length-prefixed DNS message to a stream
// connection.
func WriteTCPReply(c net.Conn, msg *dns.Msg) error {
	conn := &dns.Conn{Conn: c}
	if err := conn.WriteMsg(msg); err != nil {
		return fmt.Errorf("writing tcp dns reply: %w", err)
	}
	return nil
}
