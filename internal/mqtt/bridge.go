//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Switch is one HomeKit accessory as the bridge sees it.
type Switch interface {
	IEEEAddr() string
	HandleOnGet() bool
	HandleOnSet(ctx context.Context, v bool) error
	Subscribe(fn func(bool)) func()
}

// client is the part of the MQTT client the bridge uses.
type client interface {
	Publish(topic string, payload []byte, retained bool)
	Subscribe(topic string, handler func(payload []byte))
	Disconnect()
}

// commandQueueSize bounds the set commands waiting for the worker.
const commandQueueSize = 16

type setCommand struct {
	sw      Switch
	payload []byte
}

// Bridge mirrors accessory state to MQTT and accepts set commands. Commands
// run on one worker goroutine in arrival order, never on the client's
// message callback.
type Bridge struct {
	client   client
	switches []Switch
	prefix   string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	commands chan setCommand
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	unsubs  []func()
	stopped bool
}

// NewBridge connects to the broker. Availability is published retained on
// <prefix>/bridge/state with an "offline" will.
func NewBridge(switches []Switch, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, switches, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zigbee-homekit").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	pc := &pahoClient{client: pahomqtt.NewClient(opts), logger: b.logger}
	b.client = pc
	token := pc.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(c client, switches []Switch, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		client:   c,
		switches: switches,
		prefix:   prefix,
		logger:   logger.With("component", "mqtt"),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan setCommand, commandQueueSize),
	}
	b.wg.Add(1)
	go b.runCommands()
	return b
}

// Start publishes every state change of every accessory.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sw := range b.switches {
		sw := sw
		b.unsubs = append(b.unsubs, sw.Subscribe(func(on bool) {
			b.publishState(sw.IEEEAddr(), on)
		}))
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "accessories", len(b.switches))
}

// Stop unsubscribes, waits for the command worker, publishes offline state
// and disconnects. Commands still queued run with a cancelled context.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		for _, unsub := range b.unsubs {
			unsub()
		}
		b.unsubs = nil
		b.stopped = true
		close(b.commands)
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()
		b.publishBridgeState("offline")
		b.client.Disconnect()
		b.logger.Info("MQTT bridge stopped")
	})
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, sw := range b.switches {
		b.publishState(sw.IEEEAddr(), sw.HandleOnGet())
		sw := sw
		b.client.Subscribe(b.stateTopic(sw.IEEEAddr())+"/set", func(payload []byte) {
			b.enqueue(sw, payload)
		})
	}
}

// enqueue hands a set command to the worker without blocking. A full queue
// drops the command.
func (b *Bridge) enqueue(sw Switch, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		b.logger.Debug("set command after stop ignored", "ieee", sw.IEEEAddr())
		return
	}
	select {
	case b.commands <- setCommand{sw: sw, payload: payload}:
	default:
		b.logger.Warn("set command dropped, queue full", "ieee", sw.IEEEAddr())
	}
}

func (b *Bridge) runCommands() {
	defer b.wg.Done()
	for cmd := range b.commands {
		b.handleCommand(cmd.sw, cmd.payload)
	}
}

type stateMessage struct {
	State string `json:"state"`
}

func (b *Bridge) handleCommand(sw Switch, payload []byte) {
	var cmd stateMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "ieee", sw.IEEEAddr(), "err", err)
		return
	}

	var target bool
	switch strings.ToUpper(cmd.State) {
	case "ON":
		target = true
	case "OFF":
		target = false
	case "TOGGLE":
		target = !sw.HandleOnGet()
	default:
		b.logger.Warn("unsupported state command", "ieee", sw.IEEEAddr(), "state", cmd.State)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := sw.HandleOnSet(ctx, target); err != nil {
		b.logger.Warn("set command failed", "ieee", sw.IEEEAddr(), "state", cmd.State, "err", err)
	}
}

func (b *Bridge) publishState(ieee string, on bool) {
	state := "OFF"
	if on {
		state = "ON"
	}
	b.client.Publish(b.stateTopic(ieee), mustJSON(stateMessage{State: state}), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.client.Publish(b.bridgeTopic(), []byte(state), true)
}

func (b *Bridge) stateTopic(ieee string) string {
	return b.prefix + "/" + ieee
}

func (b *Bridge) bridgeTopic() string {
	return b.prefix + "/bridge/state"
}

// pahoClient adapts the paho client to client.
type pahoClient struct {
	client pahomqtt.Client
	logger *slog.Logger
}

func (p *pahoClient) Publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (p *pahoClient) Subscribe(topic string, handler func(payload []byte)) {
	token := p.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.logger.Warn("MQTT subscribe error", "topic", topic, "err", token.Error())
		}
	}()
}

func (p *pahoClient) Disconnect() {
	p.client.Disconnect(1000)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
