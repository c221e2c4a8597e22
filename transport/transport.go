// Package transport implements the datagram transport collaborator of
// spec.md §6 ("Transport: send/recv UDP datagrams, set TOS/TTL/loopback,
// join/leave multicast groups, bind arbitrary source port with SO_REUSE,
// set tx/rx socket buffer sizes, report an OS-waitable readiness
// descriptor, detect ICMP unreachable"). The batched-I/O implementation is
// a direct generalization of the teacher's batchconn.go/tx.go dispatch
// (defaultTx vs batchTx) onto golang.org/x/net/ipv4, replacing the
// teacher's smux-stream transmit queue with one that moves raw NORM wire
// messages.
package transport

import "net"

// Message is one outbound or inbound datagram.
type Message struct {
	Addr *net.UDPAddr
	Buf  []byte
}

// Transport is the abstract collaborator the sender/receiver engines use
// to move bytes; production code uses *UDPTransport, tests use a fake.
type Transport interface {
	// Send transmits one or more messages, batching where the underlying
	// implementation supports it. Returns the number successfully sent.
	Send(msgs []Message) (int, error)

	// Recv blocks until at least one datagram is available and fills in
	// as many of bufs as have arrived, returning the number received.
	Recv(bufs [][]byte, addrs []*net.UDPAddr) (int, error)

	// JoinGroup joins the given multicast group on the named interface
	// ("" selects the default interface).
	JoinGroup(group net.IP, ifaceName string) error
	LeaveGroup(group net.IP, ifaceName string) error

	SetTOS(tos int) error
	SetTTL(ttl int) error
	SetLoopback(enabled bool) error
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error

	// ReadinessFD returns an OS-waitable descriptor that becomes readable
	// when Recv would not block, or ok=false if the implementation has no
	// such descriptor (spec.md §6: "report an OS-waitable readiness
	// descriptor").
	ReadinessFD() (fd uintptr, ok bool)

	LocalAddr() *net.UDPAddr
	Close() error
}

// ErrorHandler is invoked when a send fails in a way the transport
// attributes to the destination being unreachable (spec.md §6: "detect
// ICMP unreachable → raise SEND_ERROR"), letting the session translate it
// into a SEND_ERROR event.
type ErrorHandler func(addr *net.UDPAddr, err error)
