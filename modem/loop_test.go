package modem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"i4.energy/across/cellgw/at"
)

func TestExchangeOKCycle(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGD=3\r", reply: []string{"OK\r\n"}},
	})

	if err := d.DeleteSMS(context.Background(), 3); err != nil {
		t.Fatalf("DeleteSMS: %v", err)
	}
	<-done
}

func TestExchangeCMEError(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+CMGD=99\r", reply: []string{"+CME ERROR: invalid memory index\r\n"}},
		{want: "AT+CMGD=1\r", reply: []string{"OK\r\n"}},
	})

	err := d.DeleteSMS(context.Background(), 99)
	var cme *CMEError
	if !errors.As(err, &cme) {
		t.Fatalf("want CMEError, got %v", err)
	}
	if cme.Detail != "invalid memory index" {
		t.Errorf("detail = %q", cme.Detail)
	}
	if !errors.Is(err, ErrCommandFailed) {
		t.Error("CMEError must match ErrCommandFailed")
	}
	if d.Status().LastError != "invalid memory index" {
		t.Errorf("LastError = %q", d.Status().LastError)
	}

	// The slot must be usable again after the failure.
	if err := d.DeleteSMS(context.Background(), 1); err != nil {
		t.Fatalf("DeleteSMS after error: %v", err)
	}
	<-done
}

// A silent device must expire the exchange via the loop tick, never
// before the requested budget.
func TestExchangeTimeout(t *testing.T) {
	d, _ := newLoopedDevice(t)

	const budget = 300 * time.Millisecond
	start := time.Now()
	s, err := d.acquireSlot(context.Background(), at.CmdCGSN, nil, 16, budget, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.sendAT(at.CmdCGSN, ""); err != nil {
		t.Fatal(err)
	}
	err = d.waitSlot(s)
	elapsed := time.Since(start)
	d.releaseSlot(s)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if elapsed < budget {
		t.Errorf("expired after %v, before the %v budget", elapsed, budget)
	}
}

// Eight goroutines hammer the slot; at no point may two of them hold it
// at once.
func TestSlotSingleGrant(t *testing.T) {
	d, tt := newLoopedDevice(t)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-tt.Writes():
				tt.SendData("OK\r\n")
			case <-stop:
				return
			}
		}
	}()

	var holders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				s, err := d.acquireSlot(context.Background(), at.CmdCMGD, nil, 0, 2*time.Second, 0)
				if err != nil {
					t.Error(err)
					return
				}
				if n := holders.Add(1); n != 1 {
					t.Errorf("%d concurrent slot holders", n)
				}
				if err := d.sendAT(at.CmdCMGD, "=i", j); err != nil {
					t.Error(err)
				}
				err = d.waitSlot(s)
				holders.Add(-1)
				d.releaseSlot(s)
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
}

// An OK arriving before the expected parameter line flags the exchange
// but leaves it pending; the next satisfying line resolves it.
func TestOKWithMissingParamsLeavesPending(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+USOCR=6\r", reply: []string{"OK\r\n", "+USOCR: 2\r\n", "OK\r\n"}},
	})

	s, err := d.acquireSlot(context.Background(), at.CmdUSOCR, nil, 16, 2*time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer d.releaseSlot(s)
	if err := d.sendAT(at.CmdUSOCR, "=i", 6); err != nil {
		t.Fatal(err)
	}
	if err := d.waitSlot(s); err != nil {
		t.Fatalf("waitSlot: %v", err)
	}
	if string(s.resp) != "2" {
		t.Errorf("resp = %q", s.resp)
	}
	<-done
}

// A caller-provided buffer is borrowed and filled in place.
func TestBorrowedResponseBuffer(t *testing.T) {
	d, tt := newLoopedDevice(t)
	done := script(t, tt, []exchange{
		{want: "AT+USOCR=6\r", reply: []string{"+USOCR: 4\r\n", "OK\r\n"}},
	})

	buf := make([]byte, 0, 8)
	s, err := d.acquireSlot(context.Background(), at.CmdUSOCR, buf, 0, 2*time.Second, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.sendAT(at.CmdUSOCR, "=i", 6); err != nil {
		t.Fatal(err)
	}
	if err := d.waitSlot(s); err != nil {
		t.Fatal(err)
	}
	if s.owned {
		t.Error("slot must borrow the caller's buffer")
	}
	if buf = buf[:1]; buf[0] != '4' {
		t.Errorf("caller buffer not filled: %q", buf)
	}
	d.releaseSlot(s)
	<-done
}

func TestLoopRunningGuard(t *testing.T) {
	d, _ := newLoopedDevice(t)
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.loopRunning
	})
	if err := d.Loop(context.Background()); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("want ErrLoopRunning, got %v", err)
	}
}

func TestCloseTwice(t *testing.T) {
	d := newDevice(NewTestTransport(), Config{})
	if err := d.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := d.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("second close: %v", err)
	}
}
