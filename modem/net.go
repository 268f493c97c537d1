package modem

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellgw/at"
)

// psdProfile is the packet-switched data profile used for the data
// context.
const psdProfile = 0

const (
	attachTimeout  = 180 * time.Second
	psdTimeout     = 180 * time.Second
	queryTimeout   = 5 * time.Second
	opsTimeout     = 60 * time.Second
	resolveTimeout = 70 * time.Second
)

// Attach attaches the device to the packet domain.
func (d *Device) Attach(ctx context.Context) error {
	if err := d.execOK(ctx, at.CmdCGATT, attachTimeout, "=i", 1); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

// Detach detaches the device from the packet domain.
func (d *Device) Detach(ctx context.Context) error {
	if err := d.execOK(ctx, at.CmdCGATT, attachTimeout, "=i", 0); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	d.setAttached(false)
	return nil
}

// SetAPN stores the access point name in the PSD profile.
func (d *Device) SetAPN(ctx context.Context, apn string) error {
	if err := d.execOK(ctx, at.CmdUPSD, queryTimeout, `=i,i,"s"`, psdProfile, 1, apn); err != nil {
		return fmt.Errorf("set APN: %w", err)
	}
	return nil
}

// ActivatePSD activates the data context. The final outcome arrives as a
// +UUPSDA URC which flips the Attached status flag.
func (d *Device) ActivatePSD(ctx context.Context) error {
	if err := d.execOK(ctx, at.CmdUPSDA, psdTimeout, "=i,i", psdProfile, 3); err != nil {
		return fmt.Errorf("activate data context: %w", err)
	}
	return nil
}

// DeactivatePSD deactivates the data context.
func (d *Device) DeactivatePSD(ctx context.Context) error {
	if err := d.execOK(ctx, at.CmdUPSDA, psdTimeout, "=i,i", psdProfile, 4); err != nil {
		return fmt.Errorf("deactivate data context: %w", err)
	}
	d.setAttached(false)
	return nil
}

// PSDAddress returns the IP address assigned to the active data context.
func (d *Device) PSDAddress(ctx context.Context) (string, error) {
	resp, err := d.exec(ctx, at.CmdUPSND, 64, queryTimeout, 1, "=i,i", psdProfile, 0)
	if err != nil {
		return "", fmt.Errorf("query data context address: %w", err)
	}
	var profile, param int
	var ip []byte
	if at.Scan(resp, "iiS", &profile, &param, &ip) != 3 {
		return "", fmt.Errorf("query data context address: malformed response %q", resp)
	}
	return string(ip), nil
}

// CheckNetwork refreshes the registration state of both domains with
// explicit queries and returns the resulting snapshot.
func (d *Device) CheckNetwork(ctx context.Context) (Status, error) {
	resp, err := d.exec(ctx, at.CmdCREG, 64, queryTimeout, 1, "?")
	if err != nil {
		return d.Status(), fmt.Errorf("query registration: %w", err)
	}
	d.parseCREG(resp, false)

	resp, err = d.exec(ctx, at.CmdCGREG, 64, queryTimeout, 1, "?")
	if err != nil {
		return d.Status(), fmt.Errorf("query GPRS registration: %w", err)
	}
	d.parseCGREG(resp, false)
	return d.Status(), nil
}

// Operator is one entry of a network scan.
type Operator struct {
	// Type: 0 unknown, 1 available, 2 current, 3 forbidden.
	Type  int
	Long  string
	Short string
	Code  string // MCC+MNC
}

// maxOperators bounds a scan result; overflow entries are dropped.
const maxOperators = 6

// Operators scans for visible networks. The scan can take tens of
// seconds.
func (d *Device) Operators(ctx context.Context) ([]Operator, error) {
	resp, err := d.exec(ctx, at.CmdCOPS, 600, opsTimeout, 1, "=?")
	if err != nil {
		return nil, fmt.Errorf("scan operators: %w", err)
	}
	return parseOperators(resp), nil
}

// parseOperators walks `(2,"I TIM","TIM","22201"),(...),...` records.
func parseOperators(resp []byte) []Operator {
	var ops []Operator
	data := resp
	for len(ops) < maxOperators {
		open := bytes.IndexByte(data, '(')
		if open < 0 {
			break
		}
		end := bytes.IndexByte(data[open:], ')')
		if end < 0 {
			break
		}
		rec := data[open+1 : open+end]
		// The trailing mode lists of a scan response look like records
		// too, but never carry quoted names.
		if !bytes.ContainsRune(rec, '"') {
			data = data[open+end+1:]
			continue
		}
		var typ int
		var long, short, code []byte
		if at.Scan(rec, "iSSS", &typ, &long, &short, &code) == 4 {
			ops = append(ops, Operator{
				Type:  typ,
				Long:  string(long),
				Short: string(short),
				Code:  string(code),
			})
		}
		data = data[open+end+1:]
	}
	return ops
}

// SetOperator selects a network manually by its long name.
func (d *Device) SetOperator(ctx context.Context, name string) error {
	if err := d.execOK(ctx, at.CmdCOPS, opsTimeout, `=1,0,"s"`, name); err != nil {
		return fmt.Errorf("select operator %q: %w", name, err)
	}
	return nil
}

// CellInfo queries the serving cell (+CGED page 3) and returns MCC and
// MNC; LAC, CI and BSIC are cached in the status snapshot.
func (d *Device) CellInfo(ctx context.Context) (mcc, mnc int, err error) {
	resp, err := d.exec(ctx, at.CmdCGED, 160, queryTimeout, 1, "=i", 3)
	if err != nil {
		return 0, 0, fmt.Errorf("query cell info: %w", err)
	}

	var lac, ci, bsic string
	for _, field := range strings.Split(string(resp), ",") {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "MCC":
			mcc, _ = strconv.Atoi(value)
		case "MNC":
			mnc, _ = strconv.Atoi(value)
		case "LAC":
			lac = value
		case "CI":
			ci = value
		case "BSIC":
			bsic = value
		}
	}

	d.statusMu.Lock()
	d.status.MCC, d.status.MNC = mcc, mnc
	if lac != "" {
		d.status.LAC = lac
	}
	if ci != "" {
		d.status.CI = ci
	}
	if bsic != "" {
		d.status.BSIC = bsic
	}
	d.statusMu.Unlock()
	return mcc, mnc, nil
}

// Clock reads the device real-time clock. The wire format is
// "yy/MM/dd,hh:mm:ss±zz" with the zone in quarter hours.
func (d *Device) Clock(ctx context.Context) (time.Time, error) {
	resp, err := d.exec(ctx, at.CmdCCLK, 64, queryTimeout, 1, "?")
	if err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	var raw []byte
	if at.Scan(resp, "S", &raw) != 1 {
		return time.Time{}, fmt.Errorf("read clock: malformed response %q", resp)
	}

	s := string(raw)
	if len(s) < 20 || (s[17] != '+' && s[17] != '-') {
		return time.Time{}, fmt.Errorf("read clock: malformed timestamp %q", s)
	}
	var yy, mo, dd, hh, mi, ss, tz int
	if _, err := fmt.Sscanf(s[:17], "%02d/%02d/%02d,%02d:%02d:%02d", &yy, &mo, &dd, &hh, &mi, &ss); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	if _, err := fmt.Sscanf(s[18:20], "%02d", &tz); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	if s[17] == '-' {
		tz = -tz
	}
	loc := time.FixedZone("", tz*15*60)
	return time.Date(2000+yy, time.Month(mo), dd, hh, mi, ss, 0, loc), nil
}

// IMEI returns the device serial number. The answer is a bare line, not
// a framed parameter.
func (d *Device) IMEI(ctx context.Context) (string, error) {
	resp, err := d.exec(ctx, at.CmdCGSN, 32, queryTimeout, 1, "")
	if err != nil {
		return "", fmt.Errorf("query IMEI: %w", err)
	}
	return strings.TrimSpace(string(resp)), nil
}

// ICCID returns the SIM card identifier.
func (d *Device) ICCID(ctx context.Context) (string, error) {
	resp, err := d.exec(ctx, at.CmdCCID, 32, queryTimeout, 1, "?")
	if err != nil {
		return "", fmt.Errorf("query ICCID: %w", err)
	}
	var iccid []byte
	if at.Scan(resp, "s", &iccid) != 1 {
		return "", fmt.Errorf("query ICCID: malformed response %q", resp)
	}
	return string(bytes.TrimSpace(iccid)), nil
}

// Resolve looks a hostname up through the device's DNS.
func (d *Device) Resolve(ctx context.Context, host string) (string, error) {
	resp, err := d.exec(ctx, at.CmdUDNSRN, 64, resolveTimeout, 1, `=i,"s"`, 0, host)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", host, err)
	}
	var ip []byte
	if at.Scan(resp, "S", &ip) != 1 {
		return "", fmt.Errorf("resolve %q: malformed response %q", host, resp)
	}
	return string(ip), nil
}

// RadioAccess reports the configured radio access technology.
func (d *Device) RadioAccess(ctx context.Context) (string, error) {
	resp, err := d.exec(ctx, at.CmdURAT, 32, queryTimeout, 1, "?")
	if err != nil {
		return "", fmt.Errorf("query radio access: %w", err)
	}
	var sel int
	if at.Scan(resp, "i", &sel) != 1 {
		return "", fmt.Errorf("query radio access: malformed response %q", resp)
	}
	switch sel {
	case 0:
		return "GSM", nil
	case 1:
		return "GSM/UMTS", nil
	case 2:
		return "UMTS", nil
	case 3:
		return "LTE", nil
	}
	return "GSM", nil
}
