package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/cellgw/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.String("apn", "", "Access point name for the data context")
	flag.String("mqtt-broker", "", "MQTT broker URL (empty disables the bridge)")
	flag.String("mqtt-client-id", "cellgw-1", "MQTT client identifier")
	flag.String("mqtt-topic", "cellgw", "MQTT topic prefix")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithSimPIN(config.SimPIN).
		WithLogger(logger).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			Mode:     &serial.Mode{BaudRate: config.BaudRate},
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device, err := modem.New(ctx, modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting cellular gateway", "serial_port", config.SerialPort)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Exits when the context ends or the transport fails. A read
		// failure caused by the shutdown close is not an error.
		err := device.Loop(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if config.APN != "" {
		g.Go(func() error {
			if err := device.SetAPN(ctx, config.APN); err != nil {
				logger.Error("Failed to set APN", "error", err)
				return nil
			}
			if err := device.ActivatePSD(ctx); err != nil {
				logger.Error("Failed to activate data context", "error", err)
			}
			return nil
		})
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger: logger.With("component", "server"),
			Modem:  device,
		},
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown server", "error", err)
		}
		logger.Info("Closing modem connection")
		return device.Close()
	})

	if config.MQTTBroker != "" {
		bridge := NewBridge(config, logger.With("component", "mqtt"), device)
		g.Go(func() error {
			return bridge.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Gateway terminated", "error", err)
		os.Exit(1)
	}
}
