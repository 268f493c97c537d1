package modem

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// newLoopedDevice builds a Device on a TestTransport with its reader
// loop running, skipping the bring-up sequence.
func newLoopedDevice(t *testing.T) (*Device, *TestTransport) {
	t.Helper()
	tt := NewTestTransport()
	d := newDevice(tt, Config{Logger: slog.New(slog.DiscardHandler)})

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		d.Loop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		tt.Close()
		<-loopDone
	})
	return d, tt
}

// exchange is one scripted command/response round.
type exchange struct {
	want  string   // expected transport write; empty skips the check
	reply []string // raw data queued after the write, CRLFs included
}

// script answers the driver's writes in order on its own goroutine. The
// returned channel closes when every step ran.
func script(t *testing.T, tt *TestTransport, steps []exchange) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, st := range steps {
			select {
			case w := <-tt.Writes():
				if st.want != "" && string(w) != st.want {
					t.Errorf("step %d: wrote %q, want %q", i, w, st.want)
					return
				}
			case <-time.After(2 * time.Second):
				t.Errorf("step %d: no write arrived (want %q)", i, st.want)
				return
			}
			for _, l := range st.reply {
				tt.SendData(l)
			}
		}
	}()
	return done
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
