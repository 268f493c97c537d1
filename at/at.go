package at

import "bytes"

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = ">"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR: "
	CmsError = "+CMS ERROR: "

	// CtrlZ terminates prompt-mode text payloads (+CMGS).
	CtrlZ = "\x1a"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR, +CME/+CMS ERROR
	TypeData                       // everything else, resolved against the registry
	TypePrompt                     // raw-input prompt (">")
)

// Response describes what a command answers with before the final result.
type Response int

const (
	// ResponseNone means the command answers with a final result only.
	ResponseNone Response = iota
	// ResponseParam means parameter lines framed as "<body>: <args>"
	// precede the final result.
	ResponseParam
	// ResponseRaw means the answer is an unframed line (e.g. +CGSN's IMEI).
	ResponseRaw
)

// ID indexes the command registry. The constants are declared in the same
// order as the registry entries, which are sorted by wire body.
type ID int

const (
	CmdCCID ID = iota
	CmdCCLK
	CmdCGATT
	CmdCGED
	CmdCGREG
	CmdCGSN
	CmdCIEV
	CmdCMEE
	CmdCMER
	CmdCMGD
	CmdCMGF
	CmdCMGL
	CmdCMGS
	CmdCMTI
	CmdCNMI
	CmdCOPS
	CmdCREG
	CmdCSCA
	CmdCSCS
	CmdGMR
	CmdIPR
	CmdUDCONF
	CmdUDNSRN
	CmdUPSD
	CmdUPSDA
	CmdUPSND
	CmdURAT
	CmdUSECMNG
	CmdUSECPRF
	CmdUSOCL
	CmdUSOCO
	CmdUSOCR
	CmdUSOCTL
	CmdUSOLI
	CmdUSORD
	CmdUSORF
	CmdUSOSEC
	CmdUSOSO
	CmdUSOST
	CmdUSOWR
	CmdUUPSDA
	CmdUUPSDD
	CmdUUSOCL
	CmdUUSOLI
	CmdUUSORD
	CmdUUSORF
	CmdEcho
)

// Command is one entry of the wire command registry.
type Command struct {
	ID       ID
	Body     string // wire body following "AT", e.g. "+USOCR"
	Response Response
	URC      bool // the modem may emit this body unsolicited
	Prompt   bool // the exchange may enter prompt mode
}

// commands is sorted by Body (byte order). Lookup depends on this; the
// registry test verifies sortedness and that each entry sits at its ID.
var commands = [...]Command{
	{CmdCCID, "+CCID", ResponseParam, false, false},
	{CmdCCLK, "+CCLK", ResponseParam, false, false},
	{CmdCGATT, "+CGATT", ResponseParam, false, false},
	{CmdCGED, "+CGED", ResponseParam, false, false},
	{CmdCGREG, "+CGREG", ResponseParam, true, false},
	{CmdCGSN, "+CGSN", ResponseRaw, false, false},
	{CmdCIEV, "+CIEV", ResponseRaw, true, false},
	{CmdCMEE, "+CMEE", ResponseNone, false, false},
	{CmdCMER, "+CMER", ResponseNone, false, false},
	{CmdCMGD, "+CMGD", ResponseNone, false, false},
	{CmdCMGF, "+CMGF", ResponseNone, false, false},
	{CmdCMGL, "+CMGL", ResponseParam, false, false},
	{CmdCMGS, "+CMGS", ResponseParam, false, true},
	{CmdCMTI, "+CMTI", ResponseParam, true, false},
	{CmdCNMI, "+CNMI", ResponseNone, false, false},
	{CmdCOPS, "+COPS", ResponseParam, false, false},
	{CmdCREG, "+CREG", ResponseParam, true, false},
	{CmdCSCA, "+CSCA", ResponseParam, false, false},
	{CmdCSCS, "+CSCS", ResponseNone, false, false},
	{CmdGMR, "+GMR", ResponseRaw, false, false},
	{CmdIPR, "+IPR", ResponseNone, false, false},
	{CmdUDCONF, "+UDCONF", ResponseNone, false, false},
	{CmdUDNSRN, "+UDNSRN", ResponseParam, false, false},
	{CmdUPSD, "+UPSD", ResponseNone, false, false},
	{CmdUPSDA, "+UPSDA", ResponseNone, false, false},
	{CmdUPSND, "+UPSND", ResponseParam, false, false},
	{CmdURAT, "+URAT", ResponseParam, false, false},
	{CmdUSECMNG, "+USECMNG", ResponseParam, false, true},
	{CmdUSECPRF, "+USECPRF", ResponseNone, false, false},
	{CmdUSOCL, "+USOCL", ResponseNone, false, false},
	{CmdUSOCO, "+USOCO", ResponseNone, false, false},
	{CmdUSOCR, "+USOCR", ResponseParam, false, false},
	{CmdUSOCTL, "+USOCTL", ResponseParam, false, false},
	{CmdUSOLI, "+USOLI", ResponseNone, false, false},
	{CmdUSORD, "+USORD", ResponseParam, false, false},
	{CmdUSORF, "+USORF", ResponseParam, false, false},
	{CmdUSOSEC, "+USOSEC", ResponseNone, false, false},
	{CmdUSOSO, "+USOSO", ResponseNone, false, false},
	{CmdUSOST, "+USOST", ResponseParam, false, false},
	{CmdUSOWR, "+USOWR", ResponseParam, false, false},
	{CmdUUPSDA, "+UUPSDA", ResponseRaw, true, false},
	{CmdUUPSDD, "+UUPSDD", ResponseRaw, true, false},
	{CmdUUSOCL, "+UUSOCL", ResponseRaw, true, false},
	{CmdUUSOLI, "+UUSOLI", ResponseRaw, true, false},
	{CmdUUSORD, "+UUSORD", ResponseRaw, true, false},
	{CmdUUSORF, "+UUSORF", ResponseRaw, true, false},
	{CmdEcho, "E", ResponseNone, false, false},
}

// Cmd returns the registry entry for id.
func Cmd(id ID) *Command {
	return &commands[id]
}

// Lookup binary-searches the registry for a command whose body prefixes
// line. When several bodies prefix the line (e.g. +UPSD and +UPSDA) the
// longest one wins. Returns nil when no body matches.
func Lookup(line []byte) *Command {
	var found *Command
	lo, hi := 0, len(commands)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		body := commands[mid].Body
		var r int
		if len(line) < len(body) {
			r = bytes.Compare(line, []byte(body))
		} else {
			r = bytes.Compare(line[:len(body)], []byte(body))
		}
		switch {
		case r < 0:
			hi = mid - 1
		case r > 0:
			lo = mid + 1
		default:
			// Keep looking right for a longer body that also prefixes line.
			found = &commands[mid]
			lo = mid + 1
		}
	}
	return found
}

// Args returns the offset of the argument span in a parameter line, i.e.
// the index just past "<body>: ". Returns -1 when the line does not carry
// the ": " separator at the expected position, which marks the match as
// not a parameter line of cmd after all.
func Args(line []byte, cmd *Command) int {
	n := len(cmd.Body)
	if len(line) < n+2 || line[n] != ':' || line[n+1] != ' ' {
		return -1
	}
	return n + 2
}
