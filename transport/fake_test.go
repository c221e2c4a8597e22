package transport

import (
	"net"
	"testing"
)

func TestFakeTransportDeliversBetweenLinkedPeers(t *testing.T) {
	a := NewFake(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6001})
	b := NewFake(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6002})
	a.Link(b)

	n, err := a.Send([]Message{{Addr: b.LocalAddr(), Buf: []byte("hello")}})
	if err != nil || n != 1 {
		t.Fatalf("Send = %d, %v", n, err)
	}

	bufs := [][]byte{make([]byte, 64)}
	addrs := []*net.UDPAddr{nil}
	got, err := b.Recv(bufs, addrs)
	if err != nil || got != 1 {
		t.Fatalf("Recv = %d, %v", got, err)
	}
	if string(bufs[0]) != "hello" {
		t.Fatalf("Recv payload = %q, want %q", bufs[0], "hello")
	}
	if addrs[0].Port != 6001 {
		t.Fatalf("Recv addr = %v, want port 6001", addrs[0])
	}
}

func TestFakeTransportDropsUnlinkedSends(t *testing.T) {
	a := NewFake(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6001})
	unlinked := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	a.Send([]Message{{Addr: unlinked, Buf: []byte("x")}})
	if len(a.Sent()) != 1 {
		t.Fatalf("Sent() = %d, want 1 (recorded even though undelivered)", len(a.Sent()))
	}
}
