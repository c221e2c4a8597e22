package transport

import (
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UDPTransport is the production Transport, batching sends/receives via
// golang.org/x/net/ipv4 when the kernel supports recvmmsg/sendmmsg and
// falling back to per-packet I/O otherwise — the same defaultTx/batchTx
// split the teacher's tx.go makes, generalized from smux stream frames to
// raw NORM datagrams.
type UDPTransport struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	onError ErrorHandler

	batchBuf []ipv4.Message
}

// ListenUDP opens a UDP socket bound to laddr with SO_REUSEADDR and
// SO_REUSEPORT set before bind (spec.md §6: "bind arbitrary source port
// with SO_REUSE"), grounded on the sockstats example's use of
// golang.org/x/sys/unix for raw socket-option control.
func ListenUDP(network, laddr string) (*UDPTransport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctrlErr = err
					return
				}
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(nil, network, laddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	udpConn := pc.(*net.UDPConn)
	return &UDPTransport{
		conn:     udpConn,
		pconn:    ipv4.NewPacketConn(udpConn),
		batchBuf: make([]ipv4.Message, 0, 16),
	}, nil
}

// OnError registers a callback for send errors the transport attributes
// to an unreachable destination.
func (t *UDPTransport) OnError(h ErrorHandler) { t.onError = h }

// Send batches msgs via WriteBatch, falling back to per-packet WriteTo on
// any error (mirrors the teacher's batchTx/defaultTx fallback in tx.go).
func (t *UDPTransport) Send(msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.batchBuf = t.batchBuf[:0]
	for _, m := range msgs {
		t.batchBuf = append(t.batchBuf, ipv4.Message{
			Buffers: [][]byte{m.Buf},
			Addr:    m.Addr,
		})
	}
	if n, err := t.pconn.WriteBatch(t.batchBuf, 0); err == nil {
		return n, nil
	}
	return t.sendSequential(msgs)
}

func (t *UDPTransport) sendSequential(msgs []Message) (int, error) {
	sent := 0
	for _, m := range msgs {
		if _, err := t.conn.WriteToUDP(m.Buf, m.Addr); err != nil {
			if t.onError != nil {
				t.onError(m.Addr, err)
			}
			return sent, errors.Wrap(err, "transport: send")
		}
		sent++
	}
	return sent, nil
}

// Recv fills bufs/addrs via ReadBatch, falling back to sequential ReadFrom
// on error.
func (t *UDPTransport) Recv(bufs [][]byte, addrs []*net.UDPAddr) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	msgs := make([]ipv4.Message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
	}
	n, err := t.pconn.ReadBatch(msgs, 0)
	if err != nil {
		return t.recvSequential(bufs, addrs)
	}
	for i := 0; i < n; i++ {
		if ua, ok := msgs[i].Addr.(*net.UDPAddr); ok {
			addrs[i] = ua
		}
		bufs[i] = bufs[i][:msgs[i].N]
	}
	return n, nil
}

func (t *UDPTransport) recvSequential(bufs [][]byte, addrs []*net.UDPAddr) (int, error) {
	n, addr, err := t.conn.ReadFromUDP(bufs[0])
	if err != nil {
		return 0, errors.Wrap(err, "transport: recv")
	}
	bufs[0] = bufs[0][:n]
	addrs[0] = addr
	return 1, nil
}

func (t *UDPTransport) JoinGroup(group net.IP, ifaceName string) error {
	iface, err := resolveIface(ifaceName)
	if err != nil {
		return err
	}
	return t.pconn.JoinGroup(iface, &net.UDPAddr{IP: group})
}

func (t *UDPTransport) LeaveGroup(group net.IP, ifaceName string) error {
	iface, err := resolveIface(ifaceName)
	if err != nil {
		return err
	}
	return t.pconn.LeaveGroup(iface, &net.UDPAddr{IP: group})
}

func resolveIface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}

func (t *UDPTransport) SetTOS(tos int) error { return t.pconn.SetTOS(tos) }
func (t *UDPTransport) SetTTL(ttl int) error { return t.pconn.SetMulticastTTL(ttl) }
func (t *UDPTransport) SetLoopback(enabled bool) error {
	return t.pconn.SetMulticastLoopback(enabled)
}

func (t *UDPTransport) SetReadBuffer(bytes int) error  { return t.conn.SetReadBuffer(bytes) }
func (t *UDPTransport) SetWriteBuffer(bytes int) error { return t.conn.SetWriteBuffer(bytes) }

// ReadinessFD exposes the socket file descriptor for select/epoll-style
// waiting (spec.md §6: "report an OS-waitable readiness descriptor").
func (t *UDPTransport) ReadinessFD() (uintptr, bool) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return fd, fd != 0
}

func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) Close() error { return t.conn.Close() }
