package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/cellgw/at"
)

// The firmware holds a single TLS security profile; certificates are
// stored under fixed internal names.
const (
	tlsProfile = 1

	caCertName     = "gwcacert"
	clientCertName = "gwclicert"
	clientKeyName  = "gwclikey"

	// USECMNG data types
	certTypeCA     = 0
	certTypeClient = 1
	certTypeKey    = 2

	tlsTimeout  = 10 * time.Second
	certTimeout = 60 * time.Second
)

// TLSConfig selects the trust material of a secure socket. All fields
// are optional: without a CA certificate, peer verification is disabled;
// the hostname enables host validation and requires a CA certificate.
type TLSConfig struct {
	CACert     []byte
	ClientCert []byte
	ClientKey  []byte
	Hostname   string
}

// SecureSocket configures the TLS profile, creates a TCP socket and
// binds the profile to it. The device supports one TLS context, so a
// second secure socket fails with ErrTLSInUse until the first is closed.
// Any step failing aborts the sequence without leaving a socket behind.
func (d *Device) SecureSocket(ctx context.Context, cfg TLSConfig) (int, error) {
	d.tlsMu.Lock()
	if d.secureSockID >= 0 || d.tlsBusy {
		d.tlsMu.Unlock()
		return -1, ErrTLSInUse
	}
	d.tlsBusy = true
	d.tlsMu.Unlock()
	defer func() {
		d.tlsMu.Lock()
		d.tlsBusy = false
		d.tlsMu.Unlock()
	}()

	if err := d.tlsProfileSetup(ctx, cfg); err != nil {
		return -1, err
	}

	id, err := d.CreateSocket(ctx, SocketStream)
	if err != nil {
		return -1, err
	}
	if err := d.execOK(ctx, at.CmdUSOSEC, tlsTimeout, "=i,i,i", id, 1, tlsProfile); err != nil {
		if cerr := d.CloseSocket(ctx, id); cerr != nil {
			d.logger.Warn("secure socket cleanup", "id", id, "error", cerr)
		}
		return -1, fmt.Errorf("bind TLS profile: %w", err)
	}

	sock := d.sockets[id]
	sock.mu.Lock()
	sock.secure = true
	sock.mu.Unlock()

	d.tlsMu.Lock()
	d.secureSockID = id
	d.tlsMu.Unlock()
	return id, nil
}

// releaseSecure clears the process-wide secure socket id when the bound
// socket goes away.
func (d *Device) releaseSecure(id int) {
	d.tlsMu.Lock()
	if d.secureSockID == id {
		d.secureSockID = -1
	}
	d.tlsMu.Unlock()
}

// tlsProfileSetup rebuilds the security profile from scratch in the
// order the firmware requires: reset, protocol floor, cipher selection,
// trust anchors, then client material.
func (d *Device) tlsProfileSetup(ctx context.Context, cfg TLSConfig) error {
	if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i", tlsProfile); err != nil {
		return fmt.Errorf("reset TLS profile: %w", err)
	}
	// Minimum TLS version 1.0
	if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i,i,i", tlsProfile, 1, 1); err != nil {
		return fmt.Errorf("set TLS version: %w", err)
	}
	// Automatic cipher suite
	if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i,i,i", tlsProfile, 2, 0); err != nil {
		return fmt.Errorf("set cipher suite: %w", err)
	}

	if len(cfg.CACert) == 0 {
		// No trust anchor: certificate validation off.
		if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i,i,i", tlsProfile, 0, 0); err != nil {
			return fmt.Errorf("disable validation: %w", err)
		}
	} else {
		if err := d.tlsStore(ctx, certTypeCA, caCertName, cfg.CACert); err != nil {
			return err
		}
		if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, `=i,i,"s"`, tlsProfile, 3, caCertName); err != nil {
			return fmt.Errorf("bind CA certificate: %w", err)
		}
		if cfg.Hostname != "" {
			if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i,i,i", tlsProfile, 0, 3); err != nil {
				return fmt.Errorf("enable host validation: %w", err)
			}
			if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, `=i,i,"s"`, tlsProfile, 4, cfg.Hostname); err != nil {
				return fmt.Errorf("set expected hostname: %w", err)
			}
		} else {
			if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, "=i,i,i", tlsProfile, 0, 1); err != nil {
				return fmt.Errorf("enable chain validation: %w", err)
			}
		}
	}

	if len(cfg.ClientCert) > 0 {
		if err := d.tlsStore(ctx, certTypeClient, clientCertName, cfg.ClientCert); err != nil {
			return err
		}
		if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, `=i,i,"s"`, tlsProfile, 5, clientCertName); err != nil {
			return fmt.Errorf("bind client certificate: %w", err)
		}
	}
	if len(cfg.ClientKey) > 0 {
		if err := d.tlsStore(ctx, certTypeKey, clientKeyName, cfg.ClientKey); err != nil {
			return err
		}
		if err := d.execOK(ctx, at.CmdUSECPRF, tlsTimeout, `=i,i,"s"`, tlsProfile, 6, clientKeyName); err != nil {
			return fmt.Errorf("bind client key: %w", err)
		}
	}
	return nil
}

// tlsStore uploads a blob to the device certificate manager. +USECMNG
// answers the import command with a prompt; the reader loop writes the
// payload queued on the slot.
func (d *Device) tlsStore(ctx context.Context, typ int, name string, blob []byte) error {
	s, err := d.acquireSlot(ctx, at.CmdUSECMNG, nil, 128, certTimeout, 1)
	if err != nil {
		return err
	}
	defer d.releaseSlot(s)

	s.payload = blob
	if err := d.sendAT(at.CmdUSECMNG, `=i,i,"s",i`, 0, typ, name, len(blob)); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := d.waitSlot(s); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}

	var op, rtyp int
	var rname, md5 []byte
	if at.Scan(s.resp, "iiSS", &op, &rtyp, &rname, &md5) != 4 {
		return fmt.Errorf("store %s: malformed response %q", name, s.resp)
	}
	return nil
}
