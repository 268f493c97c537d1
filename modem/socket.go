package modem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"i4.energy/across/cellgw/at"
)

// MaxSockets is the size of the device socket table. Socket ids are
// assigned by the device and always fall in [0, MaxSockets).
const MaxSockets = 7

// SocketType selects the transport protocol of a socket, using the
// protocol numbers the firmware expects.
type SocketType int

const (
	SocketStream   SocketType = 6  // TCP
	SocketDatagram SocketType = 17 // UDP
)

// Socket option level and names understood by SetSockOpt.
const (
	SolSocket   = 0xffff
	SoRcvTimeo  = 1
	SoKeepAlive = 8
)

const (
	createTimeout  = 5 * time.Second
	connectTimeout = 60 * time.Second
	sendTimeout    = 10 * time.Second
	recvTimeout    = 10 * time.Second
	closeTimeout   = 15 * time.Second
	optTimeout     = 5 * time.Second

	// ioChunk is the most raw payload carried per exchange; hex encoding
	// doubles it on the wire.
	ioChunk = 64

	// selectSweep paces the readiness polling rounds of Select.
	selectSweep = 100 * time.Millisecond
)

// socket is one entry of the fixed socket table. The mutex guards only
// acquisition and closure transitions; payload transfer is serialized by
// the exchange slot.
type socket struct {
	id           int
	mu           sync.Mutex
	acquired     bool
	remoteClosed bool
	secure       bool
	typ          SocketType
	timeout      time.Duration // recv wait; zero blocks indefinitely
	ready        chan struct{} // capacity 1, posted on data-ready and close
}

// post signals data-ready without ever blocking the loop.
func (s *socket) post() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *socket) isRemoteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteClosed
}

func (s *socket) recvTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// waitReady blocks until data-ready is posted, the per-socket timeout
// passes, or the context is cancelled.
func (s *socket) waitReady(ctx context.Context) error {
	timeout := s.recvTimeout()
	if timeout == 0 {
		select {
		case <-s.ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ready:
		return nil
	case <-t.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// socketClaim marks the table entry acquired. Returns false when the id
// is out of range or the entry is still held.
func (d *Device) socketClaim(id int, typ SocketType) bool {
	if id < 0 || id >= MaxSockets {
		return false
	}
	s := d.sockets[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return false
	}
	s.acquired = true
	s.remoteClosed = false
	s.secure = false
	s.typ = typ
	s.timeout = 0
	// Drop a stale data-ready post from the entry's previous life.
	select {
	case <-s.ready:
	default:
	}
	return true
}

// socketGet resolves an id to its acquired table entry, or nil.
func (d *Device) socketGet(id int) *socket {
	if id < 0 || id >= MaxSockets {
		return nil
	}
	s := d.sockets[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return nil
	}
	return s
}

// socketRemoteClosed handles the +UUSOCL notification. Loop side.
func (d *Device) socketRemoteClosed(id int) {
	if id < 0 || id >= MaxSockets {
		d.logger.Warn("close URC for invalid socket", "id", id)
		return
	}
	s := d.sockets[id]
	s.mu.Lock()
	s.remoteClosed = true
	wasSecure := s.secure
	s.secure = false
	s.mu.Unlock()
	if wasSecure {
		d.releaseSecure(id)
	}
	s.post()
}

// socketDataReady handles +UUSORD/+UUSORF. Loop side.
func (d *Device) socketDataReady(id int) {
	if id < 0 || id >= MaxSockets {
		d.logger.Warn("data URC for invalid socket", "id", id)
		return
	}
	d.sockets[id].post()
}

func (d *Device) socketRelease(id int) {
	s := d.sockets[id]
	s.mu.Lock()
	s.acquired = false
	s.remoteClosed = true
	wasSecure := s.secure
	s.secure = false
	s.mu.Unlock()
	if wasSecure {
		d.releaseSecure(id)
	}
	// Wake a reader still blocked on this entry.
	s.post()
}

// CreateSocket asks the device for a new socket and claims the assigned
// id. If the id collides with an entry still held locally (a close was
// lost somewhere), the device-side socket is closed again and the create
// fails with ErrSocketInUse.
func (d *Device) CreateSocket(ctx context.Context, typ SocketType) (int, error) {
	resp, err := d.exec(ctx, at.CmdUSOCR, 16, createTimeout, 1, "=i", int(typ))
	if err != nil {
		return -1, fmt.Errorf("create socket: %w", err)
	}
	var id int
	if at.Scan(resp, "i", &id) != 1 {
		return -1, fmt.Errorf("create socket: malformed response %q", resp)
	}
	if id < 0 || id >= MaxSockets {
		return -1, fmt.Errorf("create socket: id %d out of range", id)
	}
	if !d.socketClaim(id, typ) {
		d.logger.Warn("socket id collision, closing stale device socket", "id", id)
		if cerr := d.execOK(ctx, at.CmdUSOCL, closeTimeout, "=i", id); cerr != nil {
			d.logger.Warn("stale socket cleanup failed", "id", id, "error", cerr)
		}
		return -1, ErrSocketInUse
	}
	return id, nil
}

// Connect establishes a TCP connection (or sets the default peer of a
// UDP socket).
func (d *Device) Connect(ctx context.Context, id int, address string, port int) error {
	if d.socketGet(id) == nil {
		return ErrInvalidSocket
	}
	if err := d.execOK(ctx, at.CmdUSOCO, connectTimeout, `=i,"s",i`, id, address, port); err != nil {
		return fmt.Errorf("connect socket %d: %w", id, err)
	}
	return nil
}

// Send writes p to a connected socket, hex-encoded in bounded chunks.
// On failure the count of bytes already accepted is returned along with
// the error.
func (d *Device) Send(ctx context.Context, id int, p []byte) (int, error) {
	sock := d.socketGet(id)
	if sock == nil {
		return 0, ErrInvalidSocket
	}
	sent := 0
	for sent < len(p) {
		if sock.isRemoteClosed() {
			return sent, ErrSocketClosed
		}
		n := min(ioChunk, len(p)-sent)
		resp, err := d.exec(ctx, at.CmdUSOWR, 16, sendTimeout, 1,
			`=i,i,"s"`, id, n, at.EncodeHex(p[sent:sent+n]))
		if err != nil {
			return sent, fmt.Errorf("send socket %d: %w", id, err)
		}
		var rid, wr int
		if at.Scan(resp, "ii", &rid, &wr) != 2 || rid != id {
			return sent, fmt.Errorf("send socket %d: malformed response %q", id, resp)
		}
		if wr <= 0 {
			return sent, fmt.Errorf("send socket %d: stalled", id)
		}
		sent += wr
	}
	return sent, nil
}

// SendTo writes one datagram to the given destination.
func (d *Device) SendTo(ctx context.Context, id int, address string, port int, p []byte) (int, error) {
	sock := d.socketGet(id)
	if sock == nil {
		return 0, ErrInvalidSocket
	}
	sent := 0
	for sent < len(p) {
		if sock.isRemoteClosed() {
			return sent, ErrSocketClosed
		}
		n := min(ioChunk, len(p)-sent)
		resp, err := d.exec(ctx, at.CmdUSOST, 16, sendTimeout, 1,
			`=i,"s",i,i,"s"`, id, address, port, n, at.EncodeHex(p[sent:sent+n]))
		if err != nil {
			return sent, fmt.Errorf("sendto socket %d: %w", id, err)
		}
		var rid, wr int
		if at.Scan(resp, "ii", &rid, &wr) != 2 || rid != id {
			return sent, fmt.Errorf("sendto socket %d: malformed response %q", id, resp)
		}
		if wr <= 0 {
			return sent, fmt.Errorf("sendto socket %d: stalled", id)
		}
		sent += wr
	}
	return sent, nil
}

// Recv reads up to maxLen bytes from a connected socket. When the device
// reports no buffered data, the exchange slot is released and the call
// blocks on the socket's data-ready event, up to the timeout configured
// with SoRcvTimeo (indefinitely when unset). A peer close while blocked
// returns whatever has been read so far without an error.
func (d *Device) Recv(ctx context.Context, id int, maxLen int) ([]byte, error) {
	sock := d.socketGet(id)
	if sock == nil {
		return nil, ErrInvalidSocket
	}
	if sock.isRemoteClosed() {
		return nil, ErrSocketClosed
	}
	if maxLen <= 0 {
		return nil, nil
	}

	buf := make([]byte, 0, maxLen)
	for len(buf) < maxLen {
		chunk := min(ioChunk, maxLen-len(buf))
		resp, err := d.exec(ctx, at.CmdUSORD, 16+2*ioChunk, recvTimeout, 1, "=i,i", id, chunk)
		if err != nil {
			return buf, fmt.Errorf("recv socket %d: %w", id, err)
		}
		var rid, n int
		var data []byte
		cnt := at.Scan(resp, "iiS", &rid, &n, &data)
		if cnt < 2 || rid != id {
			return buf, fmt.Errorf("recv socket %d: malformed response %q", id, resp)
		}
		if n > 0 {
			if cnt != 3 {
				return buf, fmt.Errorf("recv socket %d: malformed response %q", id, resp)
			}
			raw, derr := at.DecodeHex(data)
			if derr != nil {
				return buf, fmt.Errorf("recv socket %d: %w", id, derr)
			}
			buf = append(buf, raw...)
			continue
		}
		// Nothing buffered device-side; wait for the data-ready event.
		if sock.isRemoteClosed() {
			return buf, nil
		}
		if err := sock.waitReady(ctx); err != nil {
			return buf, err
		}
		if sock.isRemoteClosed() {
			return buf, nil
		}
	}
	return buf, nil
}

// RecvFrom reads one datagram along with its source address and port.
func (d *Device) RecvFrom(ctx context.Context, id int, maxLen int) ([]byte, string, int, error) {
	sock := d.socketGet(id)
	if sock == nil {
		return nil, "", 0, ErrInvalidSocket
	}
	if maxLen <= 0 {
		return nil, "", 0, nil
	}

	for {
		chunk := min(ioChunk, maxLen)
		resp, err := d.exec(ctx, at.CmdUSORF, 64+2*ioChunk, recvTimeout, 1, "=i,i", id, chunk)
		if err != nil {
			return nil, "", 0, fmt.Errorf("recvfrom socket %d: %w", id, err)
		}
		var rid, n, port int
		var addr, data []byte
		cnt := at.Scan(resp, "iiSiS", &rid, &n, &addr, &port, &data)
		if cnt < 2 || rid != id {
			return nil, "", 0, fmt.Errorf("recvfrom socket %d: malformed response %q", id, resp)
		}
		if n == 0 {
			if sock.isRemoteClosed() {
				return nil, "", 0, ErrSocketClosed
			}
			if err := sock.waitReady(ctx); err != nil {
				return nil, "", 0, err
			}
			continue
		}
		if cnt != 5 {
			return nil, "", 0, fmt.Errorf("recvfrom socket %d: malformed response %q", id, resp)
		}
		raw, derr := at.DecodeHex(data)
		if derr != nil {
			return nil, "", 0, fmt.Errorf("recvfrom socket %d: %w", id, derr)
		}
		return raw, string(addr), port, nil
	}
}

// SetSockOpt adjusts a per-socket option. SoRcvTimeo (milliseconds) is
// handled locally; SoKeepAlive is forwarded to the device.
func (d *Device) SetSockOpt(ctx context.Context, id, level, opt, value int) error {
	sock := d.socketGet(id)
	if sock == nil {
		return ErrInvalidSocket
	}
	if level != SolSocket {
		return ErrUnsupportedOption
	}
	switch opt {
	case SoRcvTimeo:
		sock.mu.Lock()
		sock.timeout = time.Duration(value) * time.Millisecond
		sock.mu.Unlock()
		return nil
	case SoKeepAlive:
		v := 0
		if value != 0 {
			v = 1
		}
		return d.execOK(ctx, at.CmdUSOSO, optTimeout, "=i,i,i,i", id, SolSocket, SoKeepAlive, v)
	}
	return ErrUnsupportedOption
}

// Select reports which of the given sockets have buffered data, probing
// each with a zero-length read. The device has no aggregate readiness
// query, so the sweep repeats on a fixed cadence until something is
// ready or the timeout passes; a non-positive timeout polls once. Write
// and error readiness are not observable and thus never reported.
func (d *Device) Select(ctx context.Context, ids []int, timeout time.Duration) ([]int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var ready []int
		for _, id := range ids {
			sock := d.socketGet(id)
			if sock == nil {
				continue
			}
			if sock.isRemoteClosed() {
				// Readable: the next read reports the close.
				ready = append(ready, id)
				continue
			}
			resp, err := d.exec(ctx, at.CmdUSORD, 16, recvTimeout, 1, "=i,i", id, 0)
			if err != nil {
				d.logger.Debug("readiness probe failed", "id", id, "error", err)
				continue
			}
			var rid, n int
			if at.Scan(resp, "ii", &rid, &n) == 2 && n > 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) > 0 || timeout <= 0 {
			return ready, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(selectSweep):
		}
	}
}

// CloseSocket closes the device-side socket and releases the table
// entry. A close racing a peer close is tolerated: the entry is released
// either way.
func (d *Device) CloseSocket(ctx context.Context, id int) error {
	sock := d.socketGet(id)
	if sock == nil {
		return ErrInvalidSocket
	}
	if !sock.isRemoteClosed() {
		if err := d.execOK(ctx, at.CmdUSOCL, closeTimeout, "=i", id); err != nil {
			d.logger.Warn("socket close", "id", id, "error", err)
		}
	}
	d.socketRelease(id)
	return nil
}
