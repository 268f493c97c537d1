package modem_test

import (
	"log/slog"
	"testing"
	"time"

	"i4.energy/across/cellgw/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("defaults applied after validation", func(t *testing.T) {
		cfg, err := modem.NewConfigBuilder().
			WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
			Build()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Logger == nil {
			t.Error("expected default logger")
		}
		if cfg.ATTimeout <= 0 || cfg.InitTimeout <= 0 {
			t.Errorf("expected default timeouts, got %v/%v", cfg.ATTimeout, cfg.InitTimeout)
		}
	})

	t.Run("explicit settings preserved", func(t *testing.T) {
		logger := slog.Default()
		cfg, err := modem.NewConfigBuilder().
			WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
			WithSimPIN("1234").
			WithLogger(logger).
			WithATTimeout(2 * time.Second).
			WithInitTimeout(10 * time.Second).
			Build()

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.SimPIN != "1234" {
			t.Errorf("SimPIN = %q", cfg.SimPIN)
		}
		if cfg.Logger != logger {
			t.Error("logger replaced")
		}
		if cfg.ATTimeout != 2*time.Second || cfg.InitTimeout != 10*time.Second {
			t.Errorf("timeouts = %v/%v", cfg.ATTimeout, cfg.InitTimeout)
		}
	})
}
