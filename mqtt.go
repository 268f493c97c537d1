package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/cellgw/modem"
)

const (
	drainInterval  = 5 * time.Second
	statusInterval = 30 * time.Second
)

// Bridge connects the modem to an MQTT broker. It subscribes
// <topic>/send for outbound message requests, publishes inbound messages
// on <topic>/received and a periodic snapshot on <topic>/status.
type Bridge struct {
	logger *slog.Logger
	device *modem.Device
	topic  string
	client mqtt.Client
}

func NewBridge(config *Config, logger *slog.Logger, device *modem.Device) *Bridge {
	b := &Bridge{
		logger: logger,
		device: device,
		topic:  config.MQTTTopic,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := b.topic + "/send"
		logger.Info("MQTT connected, subscribing", "topic", topic)
		if token := c.Subscribe(topic, 1, b.handleSend); token.Wait() && token.Error() != nil {
			logger.Error("MQTT subscribe failed", "topic", topic, "error", token.Error())
		}
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Run connects to the broker and pumps messages until the context ends.
func (b *Bridge) Run(ctx context.Context) error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect MQTT broker: %w", token.Error())
	}
	defer b.client.Disconnect(500)

	drain := time.NewTicker(drainInterval)
	defer drain.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-drain.C:
			if b.device.Status().PendingSMS > 0 {
				b.drainReceived(ctx)
			}
		case <-status.C:
			b.publishStatus()
		}
	}
}

// handleSend serves one <topic>/send request.
func (b *Bridge) handleSend(_ mqtt.Client, m mqtt.Message) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		b.logger.Warn("MQTT bad send payload", "error", err)
		return
	}
	if req.To == "" || req.Message == "" {
		b.logger.Warn("MQTT send request missing to/message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ref, err := b.device.SendSMS(ctx, req.To, req.Message)
	if err != nil {
		b.logger.Error("MQTT send failed", "to", req.To, "error", err)
		return
	}
	b.logger.Info("MQTT send accepted", "to", req.To, "ref", ref)
}

// drainReceived fetches unread messages and republishes them.
func (b *Bridge) drainReceived(ctx context.Context) {
	messages, err := b.device.ListSMS(ctx, true, 0, 0)
	if err != nil {
		b.logger.Error("fetch received messages", "error", err)
		return
	}
	for _, sms := range messages {
		payload, err := json.Marshal(map[string]any{
			"from":    sms.Sender,
			"message": sms.Text,
			"time":    sms.Time,
		})
		if err != nil {
			continue
		}
		if token := b.client.Publish(b.topic+"/received", 1, false, payload); token.Wait() && token.Error() != nil {
			b.logger.Error("publish received message", "error", token.Error())
			continue
		}
		if err := b.device.DeleteSMS(ctx, sms.Index); err != nil {
			b.logger.Warn("delete published message", "index", sms.Index, "error", err)
		}
	}
}

func (b *Bridge) publishStatus() {
	st := b.device.Status()
	payload, err := json.Marshal(map[string]any{
		"registered": st.Registered.Registered(),
		"rssi":       st.RSSI,
		"attached":   st.Attached,
		"last_error": st.LastError,
	})
	if err != nil {
		return
	}
	if token := b.client.Publish(b.topic+"/status", 0, true, payload); token.Wait() && token.Error() != nil {
		b.logger.Warn("publish status", "error", token.Error())
	}
}
