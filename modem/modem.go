package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/cellgw/at"
)

const (
	// loopTick paces the housekeeping pass that expires slot timeouts.
	loopTick = 100 * time.Millisecond
	// promptChunk is the largest transport write while serving a prompt.
	promptChunk = 64
	// promptWriteBudget caps the whole prompt-mode payload write.
	promptWriteBudget = 20 * time.Second
)

// Device drives a u-blox cellular modem over AT commands. All transport
// reads happen on the single Loop goroutine; commands are serialized
// through a one-deep exchange slot, so any number of goroutines can call
// the public operations concurrently.
type Device struct {
	transport Transport
	config    Config
	logger    *slog.Logger

	// mu guards active, closed and loopRunning.
	mu          sync.Mutex
	active      *slot
	closed      bool
	loopRunning bool

	// slotSem is the capacity-1 exchange semaphore.
	slotSem chan struct{}
	// writeMu serializes transport writes (command sends vs. prompt payloads).
	writeMu sync.Mutex

	sockets [MaxSockets]*socket

	tlsMu        sync.Mutex
	tlsBusy      bool
	secureSockID int

	statusMu sync.RWMutex
	status   Status

	smsMu sync.Mutex
	sms   smsStaging
}

// PollConfig defines configuration for polling operations like waiting
// for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a Device with the given configuration. It establishes the
// transport connection and runs the bring-up sequence directly on the
// transport, before the Loop starts.
//
// Returns an error if the transport connection or the bring-up fails.
func New(ctx context.Context, config Config) (*Device, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	d := newDevice(transport, config)

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.InitTimeout)
		defer cancel()
	}
	if err := d.init(initCtx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}
	return d, nil
}

func newDevice(transport Transport, config Config) *Device {
	config.setDefaults()
	d := &Device{
		transport:    transport,
		config:       config,
		logger:       config.Logger.With("component", "modem"),
		slotSem:      make(chan struct{}, 1),
		secureSockID: -1,
	}
	for i := range d.sockets {
		d.sockets[i] = &socket{id: i, ready: make(chan struct{}, 1)}
	}
	return d
}

// Loop is the event loop that owns all transport reads. It must be
// started exactly once after New() and before any command operation.
// The loop classifies each incoming token, resolves the active exchange
// slot, dispatches URCs, serves prompt-mode payload writes, and expires
// slot timeouts on a housekeeping tick.
//
// It runs until the context is cancelled or the transport fails, failing
// any active exchange on the way out.
//
// Usage:
//
//	device, err := New(ctx, config)
//	if err != nil { return err }
//	go device.Loop(ctx)
func (d *Device) Loop(ctx context.Context) error {
	d.mu.Lock()
	if d.loopRunning {
		d.mu.Unlock()
		return ErrLoopRunning
	}
	d.loopRunning = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.loopRunning = false
		d.mu.Unlock()
	}()

	scanner := bufio.NewScanner(d.transport)
	scanner.Split(at.Splitter)

	tokens := make(chan string, 10)
	scanErrs := make(chan error, 1)

	// The scanner goroutine is the sole transport reader.
	go func() {
		defer close(tokens)
		for scanner.Scan() {
			token := scanner.Text()
			if token == "" {
				continue
			}
			select {
			case tokens <- token:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case scanErrs <- err:
			case <-ctx.Done():
			}
		}
	}()

	tick := time.NewTicker(loopTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			d.failActive(ctx.Err())
			return ctx.Err()

		case token, ok := <-tokens:
			if !ok {
				select {
				case err := <-scanErrs:
					d.failActive(err)
					return fmt.Errorf("transport read: %w", err)
				default:
				}
				d.failActive(io.EOF)
				return io.EOF
			}
			d.handleToken(token)

		case err := <-scanErrs:
			d.failActive(err)
			return fmt.Errorf("transport read: %w", err)

		case <-tick.C:
			d.checkSlotTimeout()
		}
	}
}

func (d *Device) failActive(err error) {
	if s := d.activeSlot(); s != nil {
		d.finishSlot(s, err)
	}
}

// handleToken routes one tokenized line. Loop goroutine only.
func (d *Device) handleToken(token string) {
	line := []byte(token)
	active := d.activeSlot()

	switch at.Classify(token) {
	case at.TypePrompt:
		if active != nil && active.cmd.Prompt {
			d.servePrompt(active)
		} else {
			d.logger.Warn("unexpected prompt")
		}
		return

	case at.TypeFinal:
		if token == at.OK {
			d.handleOK(active)
			return
		}
		detail, _ := at.FinalError(token)
		if active == nil {
			d.logger.Warn("orphan error result", "line", token)
			return
		}
		d.setLastError(detail)
		d.finishSlot(active, &CMEError{Detail: detail})
		return
	}

	cmd := at.Lookup(line)

	// Parameter line of the active exchange.
	if active != nil && cmd != nil && cmd.ID == active.cmd.ID {
		if off := at.Args(line, cmd); off >= 0 {
			if cmd.ID == at.CmdCMGL {
				d.smsHeader(line[off:])
			} else {
				active.store(line[off:])
			}
			return
		}
	}

	// Unsolicited result code, dispatched even while a slot is active.
	if cmd != nil && cmd.URC {
		if off := at.Args(line, cmd); off >= 0 {
			d.handleURC(cmd, line[off:])
			return
		}
	}

	if active != nil {
		switch {
		case active.cmd.Response == at.ResponseRaw:
			active.store(line)
		case active.cmd.ID == at.CmdCMGL:
			d.smsText(line)
		default:
			d.logger.Warn("unexpected line during exchange",
				"cmd", active.cmd.Body, "line", token)
		}
		return
	}

	d.logger.Debug("orphan line", "line", token)
}

// handleOK resolves a final OK. An exchange that still misses parameter
// lines is left pending and flagged; the message listing is exempt
// because its line count is unknown up front.
func (d *Device) handleOK(active *slot) {
	if active == nil {
		d.logger.Debug("orphan OK")
		return
	}
	if active.received < active.expected && active.cmd.ID != at.CmdCMGL {
		d.logger.Warn("final OK with missing parameters",
			"cmd", active.cmd.Body,
			"expected", active.expected,
			"received", active.received)
		return
	}
	d.finishSlot(active, nil)
}

// servePrompt writes the payload queued on the slot, in bounded chunks,
// after the device signaled readiness with '>'. The budget keeps a wedged
// transport from pinning the loop forever.
func (d *Device) servePrompt(s *slot) {
	if s.payload == nil && s.trailer == nil {
		d.logger.Warn("prompt without queued payload", "cmd", s.cmd.Body)
		return
	}
	deadline := time.Now().Add(promptWriteBudget)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	payload := s.payload
	for len(payload) > 0 {
		if time.Now().After(deadline) {
			d.logger.Warn("prompt payload write budget exhausted",
				"cmd", s.cmd.Body, "left", len(payload))
			break
		}
		n := min(promptChunk, len(payload))
		if _, err := d.transport.Write(payload[:n]); err != nil {
			d.logger.Warn("prompt payload write failed", "error", err)
			return
		}
		payload = payload[n:]
	}
	if len(s.trailer) > 0 {
		if _, err := d.transport.Write(s.trailer); err != nil {
			d.logger.Warn("prompt trailer write failed", "error", err)
		}
	}
}

// sendAT writes one command to the transport under the write lock.
func (d *Device) sendAT(id at.ID, format string, args ...any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return at.Build(d.transport, at.Cmd(id), format, args...)
}

// exec runs a complete exchange and returns a copy of the response
// parameter payload.
func (d *Device) exec(ctx context.Context, id at.ID, capacity int, timeout time.Duration, expected int, format string, args ...any) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrAlreadyClosed
	}
	s, err := d.acquireSlot(ctx, id, nil, capacity, timeout, expected)
	if err != nil {
		return nil, err
	}
	defer d.releaseSlot(s)
	if err := d.sendAT(id, format, args...); err != nil {
		return nil, fmt.Errorf("send %s: %w", s.cmd.Body, err)
	}
	if err := d.waitSlot(s); err != nil {
		return nil, err
	}
	out := make([]byte, len(s.resp))
	copy(out, s.resp)
	return out, nil
}

// execOK runs an exchange whose only interesting outcome is the final
// result.
func (d *Device) execOK(ctx context.Context, id at.ID, timeout time.Duration, format string, args ...any) error {
	_, err := d.exec(ctx, id, 0, timeout, 0, format, args...)
	return err
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close shuts down the Device and releases the transport. The loop, if
// running, exits once the transport read fails. After Close the Device
// cannot be reused.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrAlreadyClosed
	}
	d.closed = true
	d.mu.Unlock()

	if d.transport != nil {
		return d.transport.Close()
	}
	return nil
}

const (
	simStatusCmd = "AT+CPIN?"
	simReady     = "+CPIN: READY"
	simPinNeeded = "+CPIN: SIM PIN"
)

// init performs the bring-up sequence directly on the transport. It is
// called during New() and must complete before the loop starts.
func (d *Device) init(ctx context.Context) error {
	// Wake-up / sanity check
	if err := d.expectOkDirect(ctx, "AT"); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	if err := d.expectOkDirect(ctx, "ATE0"); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	if err := d.expectOkDirect(ctx, "AT+CMEE=2"); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	if err := d.checkSIM(ctx); err != nil {
		return err
	}

	if resp, err := d.execDirect(ctx, "AT+GMR"); err == nil {
		if fw, _, ok := strings.Cut(resp, "\n"); ok {
			d.statusMu.Lock()
			d.status.Firmware = fw
			d.statusMu.Unlock()
		}
	}

	// Indicator events (rssi, service, gprs) as +CIEV URCs
	if err := d.expectOkDirect(ctx, "AT+CMER=2,0,0,2,1"); err != nil {
		return fmt.Errorf("enable indicator events: %w", err)
	}
	// Hex mode for socket payloads
	if err := d.expectOkDirect(ctx, "AT+UDCONF=1,1"); err != nil {
		return fmt.Errorf("enable hex payload mode: %w", err)
	}
	// Registration URCs with cell identifiers
	if err := d.expectOkDirect(ctx, "AT+CREG=2"); err != nil {
		return fmt.Errorf("enable network registration URC: %w", err)
	}
	if err := d.expectOkDirect(ctx, "AT+CGREG=2"); err != nil {
		return fmt.Errorf("enable GPRS registration URC: %w", err)
	}
	// SMS text mode, IRA charset, new-message indications
	if err := d.expectOkDirect(ctx, "AT+CMGF=1"); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}
	if err := d.expectOkDirect(ctx, `AT+CSCS="IRA"`); err != nil {
		return fmt.Errorf("set character set: %w", err)
	}
	if resp, err := d.execDirect(ctx, "AT+CSCA?"); err == nil {
		for _, l := range strings.Split(resp, "\n") {
			if rest, ok := strings.CutPrefix(l, "+CSCA: "); ok {
				var sca []byte
				if at.Scan([]byte(rest), "S", &sca) == 1 {
					d.statusMu.Lock()
					d.status.ServiceCenter = string(sca)
					d.statusMu.Unlock()
				}
			}
		}
	}
	if err := d.expectOkDirect(ctx, "AT+CNMI=2,1,0,0,0"); err != nil {
		return fmt.Errorf("enable SMS indications: %w", err)
	}
	return nil
}

func (d *Device) checkSIM(ctx context.Context) error {
	simStatus, err := d.execDirect(ctx, simStatusCmd)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(simStatus, simReady):
		return nil

	case strings.Contains(simStatus, simPinNeeded):
		if d.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		if err := d.expectOkDirect(ctx, fmt.Sprintf(`AT+CPIN="%s"`, d.config.SimPIN)); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}
		return d.waitForSIMReady(ctx, PollConfig{})

	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus)
	}
}

// execDirect executes a command directly on the transport, bypassing the
// slot machinery. It is only safe during initialization, before the loop
// owns the transport reads.
func (d *Device) execDirect(ctx context.Context, cmd string) (string, error) {
	if d.isClosed() {
		return "", ErrAlreadyClosed
	}
	if d.transport == nil {
		return "", ErrNotInitialized
	}

	if _, ok := ctx.Deadline(); !ok && d.config.ATTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ATTimeout)
		defer cancel()
	}

	wire := strings.TrimSpace(cmd) + "\r"
	if _, err := d.transport.Write([]byte(wire)); err != nil {
		return "", fmt.Errorf("write command %q: %w", cmd, err)
	}

	scanner := bufio.NewScanner(d.transport)
	scanner.Split(at.Splitter)

	var lines []string
	for {
		select {
		case <-ctx.Done():
			return strings.Join(lines, "\n"), ctx.Err()
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return strings.Join(lines, "\n"), fmt.Errorf("read error: %w", err)
			}
			return strings.Join(lines, "\n"), io.EOF
		}

		token := scanner.Text()
		if token == "" {
			continue
		}

		switch at.Classify(token) {
		case at.TypeFinal:
			lines = append(lines, token)
			response := strings.Join(lines, "\n")
			if token == at.OK {
				return response, nil
			}
			return response, errors.New(token)
		case at.TypeData:
			lines = append(lines, token)
		case at.TypePrompt:
			// No bring-up command uses prompt mode; treat as data.
			lines = append(lines, token)
		}
	}
}

// expectOkDirect executes a command and validates that the response
// contains "OK". Used during initialization for configuration commands.
func (d *Device) expectOkDirect(ctx context.Context, cmd string) error {
	resp, err := d.execDirect(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("unexpected response: %q", resp)
	}
	return nil
}

// waitForSIMReady polls the SIM status until it reports ready. Needed
// after entering a PIN, as the card takes time to authenticate.
func (d *Device) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := d.execDirect(ctx, simStatusCmd)
			if err != nil {
				if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, ErrNotInitialized) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp, simReady) {
				return nil
			}
		}
	}
}
