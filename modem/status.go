package modem

// RegStatus is a network registration state. States from RegHome upward
// count as registered.
type RegStatus int

const (
	RegNone RegStatus = iota
	RegUnknown
	RegSearching
	RegDenied
	RegHome
	RegRoaming
)

// Registered reports whether the state allows traffic.
func (r RegStatus) Registered() bool {
	return r >= RegHome
}

func (r RegStatus) String() string {
	switch r {
	case RegNone:
		return "not registered"
	case RegUnknown:
		return "unknown"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegHome:
		return "registered"
	case RegRoaming:
		return "roaming"
	}
	return "invalid"
}

// regTable maps the wire registration codes (+CREG/+CGREG <stat>) onto
// RegStatus values.
var regTable = [...]RegStatus{
	RegNone, RegHome, RegSearching, RegDenied, RegUnknown, RegRoaming,
}

func regFromWire(v int) RegStatus {
	if v >= 0 && v < len(regTable) {
		return regTable[v]
	}
	return RegUnknown
}

// RAT is a bitmask of the radio access technologies currently serving
// the device.
type RAT uint8

const (
	RATGSM RAT = 1 << iota
	RATGPRS
)

// Status is a point-in-time snapshot of the link state, maintained from
// URCs and explicit queries.
type Status struct {
	Firmware      string
	GSM           RegStatus // circuit-switched registration
	GPRS          RegStatus // packet-switched registration
	Registered    RegStatus // summary; the packet domain takes precedence
	RAT           RAT
	RSSI          int
	Attached      bool // PSD context active
	ServiceCenter string
	LAC           string
	CI            string
	BSIC          string
	MCC           int
	MNC           int
	PendingSMS    int
	LastError     string
}

// Status returns the current snapshot.
func (d *Device) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

func (d *Device) setLastError(detail string) {
	d.statusMu.Lock()
	d.status.LastError = detail
	d.statusMu.Unlock()
}

func (d *Device) setAttached(attached bool) {
	d.statusMu.Lock()
	d.status.Attached = attached
	d.statusMu.Unlock()
}

// updateNetworkStatus recomputes the RAT mask and the registration
// summary after either domain changed, caching cell identifiers when the
// device reported them.
func (d *Device) updateNetworkStatus(lac, ci []byte) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	var mask RAT
	if d.status.GSM.Registered() {
		mask |= RATGSM
	}
	if d.status.GPRS.Registered() {
		mask |= RATGPRS
	}
	d.status.RAT = mask

	if mask&RATGPRS != 0 {
		d.status.Registered = d.status.GPRS
	} else {
		d.status.Registered = d.status.GSM
	}

	if mask == 0 {
		d.status.LAC, d.status.CI = "", ""
		return
	}
	if len(lac) > 0 {
		d.status.LAC = string(lac)
	}
	if len(ci) > 0 {
		d.status.CI = string(ci)
	}
}
