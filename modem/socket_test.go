package modem

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateSocket(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+USOCR=6\r", reply: []string{"+USOCR: 2\r\n", "OK\r\n"}},
	})

	id, err := d.CreateSocket(context.Background(), SocketStream)
	if err != nil {
		t.Fatalf("CreateSocket: %v", err)
	}
	if id != 2 {
		t.Errorf("id = %d", id)
	}
	if d.socketGet(2) == nil {
		t.Error("socket 2 not claimed")
	}
	<-done
}

// When the device hands out an id the table still considers acquired,
// the driver closes the device-side socket and fails the create no
// matter how the cleanup went.
func TestCreateSocketStaleID(t *testing.T) {
	d, tt := newLoopedDevice(t)
	if !d.socketClaim(3, SocketStream) {
		t.Fatal("pre-claim failed")
	}
	done := script(t, tt, []exchange{
		{want: "AT+USOCR=6\r", reply: []string{"+USOCR: 3\r\n", "OK\r\n"}},
		{want: "AT+USOCL=3\r", reply: []string{"OK\r\n"}},
	})

	_, err := d.CreateSocket(context.Background(), SocketStream)
	if !errors.Is(err, ErrSocketInUse) {
		t.Fatalf("want ErrSocketInUse, got %v", err)
	}
	<-done

	// The local entry stays held by its original owner.
	if d.socketGet(3) == nil {
		t.Error("stale entry must remain acquired")
	}
}

func TestConnect(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(0, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USOCO=0,\"93.184.216.34\",80\r", reply: []string{"OK\r\n"}},
	})

	if err := d.Connect(context.Background(), 0, "93.184.216.34", 80); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-done

	if err := d.Connect(context.Background(), 5, "93.184.216.34", 80); !errors.Is(err, ErrInvalidSocket) {
		t.Fatalf("want ErrInvalidSocket, got %v", err)
	}
}

// Payloads larger than one chunk go out as multiple hex-doubled writes.
func TestSendChunked(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(1, SocketStream)

	payload := bytes.Repeat([]byte{'A'}, 100)
	done := script(t, tt, []exchange{
		{
			want:  "AT+USOWR=1,64,\"" + strings.Repeat("41", 64) + "\"\r",
			reply: []string{"+USOWR: 1,64\r\n", "OK\r\n"},
		},
		{
			want:  "AT+USOWR=1,36,\"" + strings.Repeat("41", 36) + "\"\r",
			reply: []string{"+USOWR: 1,36\r\n", "OK\r\n"},
		},
	})

	n, err := d.Send(context.Background(), 1, payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 100 {
		t.Errorf("sent %d bytes", n)
	}
	<-done
}

func TestRecvImmediate(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(1, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USORD=1,4\r", reply: []string{"+USORD: 1,4,\"74657374\"\r\n", "OK\r\n"}},
	})

	got, err := d.Recv(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "test" {
		t.Errorf("got %q", got)
	}
	<-done
}

// A read finding no buffered data releases the slot and blocks on the
// data-ready event until the +UUSORD notification arrives.
func TestRecvBlocksUntilDataReady(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(0, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USORD=0,4\r", reply: []string{"+USORD: 0,0\r\n", "OK\r\n", "+UUSORD: 0,4\r\n"}},
		{want: "AT+USORD=0,4\r", reply: []string{"+USORD: 0,4,\"74657374\"\r\n", "OK\r\n"}},
	})

	got, err := d.Recv(context.Background(), 0, 4)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "test" {
		t.Errorf("got %q", got)
	}
	<-done
}

// A peer close while blocked returns the bytes read so far, without an
// error; the next read reports the close.
func TestRecvRemoteCloseReturnsPartial(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(0, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USORD=0,8\r", reply: []string{"+USORD: 0,4,\"41424344\"\r\n", "OK\r\n"}},
		{want: "AT+USORD=0,4\r", reply: []string{"+USORD: 0,0\r\n", "OK\r\n", "+UUSOCL: 0\r\n"}},
	})

	got, err := d.Recv(context.Background(), 0, 8)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "ABCD" {
		t.Errorf("got %q", got)
	}
	<-done

	if _, err := d.Recv(context.Background(), 0, 4); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("want ErrSocketClosed, got %v", err)
	}
}

// The wait respects the timeout configured through SoRcvTimeo.
func TestRecvTimeout(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(0, SocketStream)
	if err := d.SetSockOpt(context.Background(), 0, SolSocket, SoRcvTimeo, 200); err != nil {
		t.Fatal(err)
	}
	done := script(t, tt, []exchange{
		{want: "AT+USORD=0,4\r", reply: []string{"+USORD: 0,0\r\n", "OK\r\n"}},
	})

	start := time.Now()
	_, err := d.Recv(context.Background(), 0, 4)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Error("timed out before the configured wait")
	}
	<-done
}

func TestRecvFrom(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(2, SocketDatagram)
	done := script(t, tt, []exchange{
		{
			want:  "AT+USORF=2,4\r",
			reply: []string{"+USORF: 2,4,\"10.0.0.7\",9000,\"AABBCCDD\"\r\n", "OK\r\n"},
		},
	})

	got, addr, port, err := d.RecvFrom(context.Background(), 2, 4)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if !bytes.Equal(got, []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Errorf("got %x", got)
	}
	if addr != "10.0.0.7" || port != 9000 {
		t.Errorf("from %s:%d", addr, port)
	}
	<-done
}

func TestSendTo(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(2, SocketDatagram)
	done := script(t, tt, []exchange{
		{
			want:  "AT+USOST=2,\"10.0.0.7\",9000,\"4142\"\r",
			reply: []string{"+USOST: 2,2\r\n", "OK\r\n"},
		},
	})

	n, err := d.SendTo(context.Background(), 2, "10.0.0.7", 9000, []byte("AB"))
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if n != 2 {
		t.Errorf("sent %d", n)
	}
	<-done
}

// A single sweep with a non-positive timeout probes each socket once.
func TestSelectPollOnce(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(0, SocketStream)
	d.socketClaim(1, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USORD=0,0\r", reply: []string{"+USORD: 0,0\r\n", "OK\r\n"}},
		{want: "AT+USORD=1,0\r", reply: []string{"+USORD: 1,3\r\n", "OK\r\n"}},
	})

	ready, err := d.Select(context.Background(), []int{0, 1}, 0)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(ready) != 1 || ready[0] != 1 {
		t.Errorf("ready = %v", ready)
	}
	<-done
}

func TestCloseSocket(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(4, SocketStream)
	done := script(t, tt, []exchange{
		{want: "AT+USOCL=4\r", reply: []string{"OK\r\n"}},
	})

	if err := d.CloseSocket(context.Background(), 4); err != nil {
		t.Fatalf("CloseSocket: %v", err)
	}
	if d.socketGet(4) != nil {
		t.Error("entry still acquired after close")
	}
	<-done
}

func TestSetSockOpt(t *testing.T) {
	d, tt := newLoopedDevice(t)
	d.socketClaim(3, SocketStream)

	// RCVTIMEO is handled locally, no exchange.
	if err := d.SetSockOpt(context.Background(), 3, SolSocket, SoRcvTimeo, 250); err != nil {
		t.Fatal(err)
	}
	if got := d.sockets[3].recvTimeout(); got != 250*time.Millisecond {
		t.Errorf("timeout = %v", got)
	}

	done := script(t, tt, []exchange{
		{want: "AT+USOSO=3,65535,8,1\r", reply: []string{"OK\r\n"}},
	})
	if err := d.SetSockOpt(context.Background(), 3, SolSocket, SoKeepAlive, 1); err != nil {
		t.Fatal(err)
	}
	<-done

	if err := d.SetSockOpt(context.Background(), 3, SolSocket, 99, 1); !errors.Is(err, ErrUnsupportedOption) {
		t.Fatalf("want ErrUnsupportedOption, got %v", err)
	}
}
