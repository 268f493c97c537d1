package modem

import (
	"context"
	"fmt"
	"math"
	"time"

	"i4.energy/across/cellgw/at"
)

// SMS is a text message stored on the modem.
type SMS struct {
	Index  int
	Sender string
	Time   string // "yy/MM/dd,hh:mm:ss±zz" as reported by the network
	Text   string
	Unread bool
}

const (
	smsSendTimeout  = 120 * time.Second
	smsListTimeout  = 60 * time.Second
	smsQueryTimeout = 5 * time.Second
)

// smsStaging collects message listing results on the loop side while a
// +CMGL exchange is active. Guarded by smsMu.
type smsStaging struct {
	active     bool
	unreadOnly bool
	offset     int
	limit      int
	seen       int // matching headers so far, for offset accounting
	skipText   bool
	out        []SMS
}

// SendSMS sends a text message and returns the message reference
// assigned by the network. The recipient should be in international
// format (e.g. "+1234567890").
//
// The command answers with a prompt; the loop writes the body followed
// by Ctrl-Z. This blocks until the network accepts the message; final
// delivery happens asynchronously.
func (d *Device) SendSMS(ctx context.Context, recipient, message string) (int, error) {
	if d.isClosed() {
		return 0, ErrAlreadyClosed
	}
	s, err := d.acquireSlot(ctx, at.CmdCMGS, nil, 32, smsSendTimeout, 1)
	if err != nil {
		return 0, err
	}
	defer d.releaseSlot(s)

	s.payload = []byte(message)
	s.trailer = []byte(at.CtrlZ)
	if err := d.sendAT(at.CmdCMGS, `="s"`, recipient); err != nil {
		return 0, fmt.Errorf("send SMS: %w", err)
	}
	if err := d.waitSlot(s); err != nil {
		return 0, fmt.Errorf("send SMS: %w", err)
	}

	var mr int
	if at.Scan(s.resp, "i", &mr) != 1 {
		return 0, fmt.Errorf("send SMS: malformed response %q", s.resp)
	}
	return mr, nil
}

// ListSMS returns received messages from the modem store. Messages other
// than "REC READ"/"REC UNREAD" (drafts, sent copies) are skipped. offset
// skips that many matching messages; limit caps the result, with
// limit <= 0 meaning no cap.
func (d *Device) ListSMS(ctx context.Context, unreadOnly bool, limit, offset int) ([]SMS, error) {
	if d.isClosed() {
		return nil, ErrAlreadyClosed
	}
	if limit <= 0 {
		limit = math.MaxInt
	}
	which := "ALL"
	if unreadOnly {
		which = "REC UNREAD"
	}

	// The listing's line count is unknown up front, so the loop stages
	// entries as the headers and text lines stream in.
	s, err := d.acquireSlot(ctx, at.CmdCMGL, nil, 0, smsListTimeout, 0)
	if err != nil {
		return nil, err
	}
	defer d.releaseSlot(s)

	d.smsMu.Lock()
	d.sms = smsStaging{
		active:     true,
		unreadOnly: unreadOnly,
		offset:     offset,
		limit:      limit,
		skipText:   true,
	}
	d.smsMu.Unlock()
	defer func() {
		d.smsMu.Lock()
		d.sms = smsStaging{}
		d.smsMu.Unlock()
	}()

	if err := d.sendAT(at.CmdCMGL, `="s"`, which); err != nil {
		return nil, fmt.Errorf("list SMS: %w", err)
	}
	if err := d.waitSlot(s); err != nil {
		return nil, fmt.Errorf("list SMS: %w", err)
	}

	d.smsMu.Lock()
	out := d.sms.out
	d.smsMu.Unlock()

	d.statusMu.Lock()
	d.status.PendingSMS = 0
	d.statusMu.Unlock()
	return out, nil
}

// smsHeader digests one "+CMGL: ..." header line. Loop side.
func (d *Device) smsHeader(args []byte) {
	d.smsMu.Lock()
	defer d.smsMu.Unlock()
	st := &d.sms
	if !st.active {
		return
	}
	st.skipText = true

	var idx int
	var stat, oa, alpha, scts []byte
	if at.Scan(args, "iSSsS", &idx, &stat, &oa, &alpha, &scts) < 3 {
		return
	}
	status := string(stat)
	if status != "REC READ" && status != "REC UNREAD" {
		return
	}
	if st.unreadOnly && status != "REC UNREAD" {
		return
	}
	st.seen++
	if st.seen <= st.offset || len(st.out) >= st.limit {
		return
	}
	st.out = append(st.out, SMS{
		Index:  idx,
		Sender: string(oa),
		Time:   string(scts),
		Unread: status == "REC UNREAD",
	})
	st.skipText = false
}

// smsText attaches a body line to the entry staged by the preceding
// header. Loop side.
func (d *Device) smsText(line []byte) {
	d.smsMu.Lock()
	defer d.smsMu.Unlock()
	st := &d.sms
	if !st.active || st.skipText || len(st.out) == 0 {
		return
	}
	last := &st.out[len(st.out)-1]
	if last.Text == "" {
		last.Text = string(line)
	} else {
		last.Text += "\n" + string(line)
	}
}

// DeleteSMS removes a message from the modem store.
func (d *Device) DeleteSMS(ctx context.Context, index int) error {
	if err := d.execOK(ctx, at.CmdCMGD, smsQueryTimeout, "=i", index); err != nil {
		return fmt.Errorf("delete SMS %d: %w", index, err)
	}
	return nil
}

// ServiceCenter returns the SMS service center address.
func (d *Device) ServiceCenter(ctx context.Context) (string, error) {
	resp, err := d.exec(ctx, at.CmdCSCA, 64, smsQueryTimeout, 1, "?")
	if err != nil {
		return "", fmt.Errorf("query service center: %w", err)
	}
	var sca []byte
	if at.Scan(resp, "S", &sca) != 1 {
		return "", fmt.Errorf("query service center: malformed response %q", resp)
	}
	d.statusMu.Lock()
	d.status.ServiceCenter = string(sca)
	d.statusMu.Unlock()
	return string(sca), nil
}

// SetServiceCenter sets the SMS service center address.
func (d *Device) SetServiceCenter(ctx context.Context, sca string) error {
	if err := d.execOK(ctx, at.CmdCSCA, smsQueryTimeout, `="s"`, sca); err != nil {
		return fmt.Errorf("set service center: %w", err)
	}
	d.statusMu.Lock()
	d.status.ServiceCenter = sca
	d.statusMu.Unlock()
	return nil
}
