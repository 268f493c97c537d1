package modem

import (
	"i4.energy/across/cellgw/at"
)

// Indicator numbers reported by +CIEV after AT+CMER enables them.
const (
	cievRSSI    = 2
	cievService = 3
	cievGPRS    = 9
)

// handleURC dispatches one unsolicited result code. Loop goroutine only;
// handlers must never start a command exchange here, or the loop would
// wait on itself.
func (d *Device) handleURC(cmd *at.Command, args []byte) {
	switch cmd.ID {
	case at.CmdCMTI:
		d.statusMu.Lock()
		d.status.PendingSMS++
		d.statusMu.Unlock()

	case at.CmdCIEV:
		var ind, val int
		if at.Scan(args, "ii", &ind, &val) != 2 {
			d.logger.Warn("malformed indicator URC", "args", string(args))
			return
		}
		d.handleIndicator(ind, val)

	case at.CmdCREG:
		d.parseCREG(args, true)

	case at.CmdCGREG:
		d.parseCGREG(args, true)

	case at.CmdUUPSDA:
		var result int
		at.Scan(args, "i", &result)
		d.setAttached(result == 0)

	case at.CmdUUPSDD:
		d.setAttached(false)

	case at.CmdUUSOCL:
		var id int
		if at.Scan(args, "i", &id) != 1 {
			d.logger.Warn("malformed socket close URC", "args", string(args))
			return
		}
		d.socketRemoteClosed(id)

	case at.CmdUUSORD, at.CmdUUSORF:
		var id, n int
		if at.Scan(args, "ii", &id, &n) < 1 {
			d.logger.Warn("malformed data URC", "args", string(args))
			return
		}
		// Never fetch from here: reading requires the slot, and only this
		// goroutine resolves slots. Just wake the blocked reader.
		d.socketDataReady(id)

	case at.CmdUUSOLI:
		d.logger.Info("incoming connection ignored", "args", string(args))

	default:
		d.logger.Warn("unhandled URC", "cmd", cmd.Body, "args", string(args))
	}
}

func (d *Device) handleIndicator(ind, val int) {
	switch ind {
	case cievRSSI:
		d.statusMu.Lock()
		d.status.RSSI = val
		d.statusMu.Unlock()

	case cievService:
		d.statusMu.Lock()
		if val != 0 {
			d.status.GSM = RegHome
		} else {
			d.status.GSM = RegNone
		}
		d.statusMu.Unlock()
		d.updateNetworkStatus(nil, nil)

	case cievGPRS:
		d.statusMu.Lock()
		if val != 0 {
			d.status.GPRS = RegHome
		} else {
			d.status.GPRS = RegNone
		}
		d.statusMu.Unlock()
		d.updateNetworkStatus(nil, nil)

	default:
		d.logger.Debug("ignored indicator", "ind", ind, "val", val)
	}
}

// parseCREG digests "+CREG: ..." arguments. The URC form starts with
// <stat>; the query response carries a leading <n> mode field.
func (d *Device) parseCREG(args []byte, urc bool) {
	stat, lac, ci, ok := parseRegArgs(args, urc)
	if !ok {
		d.logger.Warn("malformed registration line", "args", string(args))
		return
	}
	d.statusMu.Lock()
	d.status.GSM = regFromWire(stat)
	d.statusMu.Unlock()
	d.updateNetworkStatus(lac, ci)
}

// parseCGREG digests "+CGREG: ..." arguments, the packet-switched twin
// of parseCREG.
func (d *Device) parseCGREG(args []byte, urc bool) {
	stat, lac, ci, ok := parseRegArgs(args, urc)
	if !ok {
		d.logger.Warn("malformed GPRS registration line", "args", string(args))
		return
	}
	d.statusMu.Lock()
	d.status.GPRS = regFromWire(stat)
	d.statusMu.Unlock()
	d.updateNetworkStatus(lac, ci)
}

func parseRegArgs(args []byte, urc bool) (stat int, lac, ci []byte, ok bool) {
	if urc {
		ok = at.Scan(args, "iSS", &stat, &lac, &ci) >= 1
		return stat, lac, ci, ok
	}
	var mode int
	ok = at.Scan(args, "iiSS", &mode, &stat, &lac, &ci) >= 2
	return stat, lac, ci, ok
}
