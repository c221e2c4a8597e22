package transport

import (
	"net"
	"sync"
)

// Fake is an in-memory Transport for engine tests, following the
// teacher's MockPacketConn/MockBatchConn pattern (session_test.go) of a
// hand-rolled mock rather than a mocking framework.
type Fake struct {
	mu    sync.Mutex
	addr  *net.UDPAddr
	inbox []Message
	peers map[string]*Fake // addr.String() -> peer, for direct delivery in tests
	sent  []Message
}

// NewFake creates a Fake bound to addr.
func NewFake(addr *net.UDPAddr) *Fake {
	return &Fake{addr: addr, peers: make(map[string]*Fake)}
}

// Link registers peer as reachable at its own LocalAddr, so Send to that
// address delivers directly into peer's inbox.
func (f *Fake) Link(peer *Fake) {
	f.peers[peer.addr.String()] = peer
}

func (f *Fake) Send(msgs []Message) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msgs...)
	f.mu.Unlock()
	for _, m := range msgs {
		if peer, ok := f.peers[m.Addr.String()]; ok {
			buf := make([]byte, len(m.Buf))
			copy(buf, m.Buf)
			peer.mu.Lock()
			peer.inbox = append(peer.inbox, Message{Addr: f.addr, Buf: buf})
			peer.mu.Unlock()
		}
	}
	return len(msgs), nil
}

func (f *Fake) Recv(bufs [][]byte, addrs []*net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < len(bufs) && len(f.inbox) > 0 {
		m := f.inbox[0]
		f.inbox = f.inbox[1:]
		c := copy(bufs[n], m.Buf)
		bufs[n] = bufs[n][:c]
		addrs[n] = m.Addr
		n++
	}
	return n, nil
}

// Sent returns every message handed to Send so far, for assertions.
func (f *Fake) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *Fake) JoinGroup(net.IP, string) error  { return nil }
func (f *Fake) LeaveGroup(net.IP, string) error { return nil }
func (f *Fake) SetTOS(int) error                { return nil }
func (f *Fake) SetTTL(int) error                { return nil }
func (f *Fake) SetLoopback(bool) error          { return nil }
func (f *Fake) SetReadBuffer(int) error         { return nil }
func (f *Fake) SetWriteBuffer(int) error        { return nil }
func (f *Fake) ReadinessFD() (uintptr, bool)    { return 0, false }
func (f *Fake) LocalAddr() *net.UDPAddr         { return f.addr }
func (f *Fake) Close() error                    { return nil }
