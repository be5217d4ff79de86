package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/infra/logger"
	"github.com/kilianp07/solarcharge/internal/eventbus"
)

// fallbackDelay spaces successive settings when a confirmation never arrived,
// so the dongle's small command queue is not flooded.
const fallbackDelay = 500 * time.Millisecond

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// DongleClient implements the gateway.Client interface against the hardware
// dongle's MQTT protocol: one setting at a time to <prefix>/update, each
// confirmed on <prefix>/response before the next goes out. Telemetry from
// <prefix>/inputbank1 is decoded and fanned out on the SOC bus.
type DongleClient struct {
	cli    pahoClient
	prefix string
	qos    byte
	log    logger.Logger
	bus    *eventbus.Bus[gateway.SOCUpdate]

	mu sync.Mutex
	// waiters holds, per setting name, the confirmation channels of in-flight
	// publishes in send order. A list rather than a single channel: two
	// concurrent writes of the same setting must not steal or drop each
	// other's confirmation.
	waiters      map[string][]chan bool
	reconnecting bool
	closed       bool

	maxRetries  int
	backoff     time.Duration
	respTimeout time.Duration
}

// NewDongleClient connects to the broker and subscribes to the dongle's
// response and telemetry topics. SOC updates are published on bus.
func NewDongleClient(cfg Config, bus *eventbus.Bus[gateway.SOCUpdate]) (*DongleClient, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	dc := &DongleClient{
		prefix:      cfg.DonglePrefix,
		qos:         cfg.QoS,
		log:         log,
		bus:         bus,
		waiters:     make(map[string][]chan bool),
		maxRetries:  cfg.MaxRetries,
		backoff:     time.Duration(cfg.BackoffMS) * time.Millisecond,
		respTimeout: time.Duration(cfg.ResponseTimeoutS) * time.Second,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		dc.mu.Lock()
		dc.reconnecting = false
		dc.mu.Unlock()
		if token := c.Subscribe(dc.prefix+topicResponse, dc.qos, dc.onResponse); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe response: %v", token.Error())
		}
		if token := c.Subscribe(dc.prefix+topicInputBank, dc.qos, dc.onTelemetry); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe telemetry: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
		dc.mu.Lock()
		dc.reconnecting = true
		dc.mu.Unlock()
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
		dc.mu.Lock()
		dc.reconnecting = true
		dc.mu.Unlock()
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	dc.cli = c
	return dc, nil
}

// EnableCharging switches AC charging on.
func (d *DongleClient) EnableCharging() error {
	return d.publishSetting(settingACCharge, "1")
}

// DisableCharging switches AC charging off.
func (d *DongleClient) DisableCharging() error {
	return d.publishSetting(settingACCharge, "0")
}

// SetChargeMode programs how the dongle combines its limits. Without mode 4
// (time window AND SOC) the inverter ignores the SOC limit entirely.
func (d *DongleClient) SetChargeMode(mode int) error {
	return d.publishSetting(settingChargeMode, strconv.Itoa(mode))
}

// SetSOCLimit programs the dongle-side charge ceiling.
func (d *DongleClient) SetSOCLimit(target int) error {
	return d.publishSetting(settingSOCLimit, strconv.Itoa(target))
}

// SetChargeWindow programs the charging window and zeroes the two secondary
// window slots so only ours applies. Settings go out sequentially; a failed
// one is reported but does not abort the rest.
func (d *DongleClient) SetChargeWindow(start, end string) error {
	settings := [][2]string{
		{settingChargeStart, start},
		{settingChargeEnd, end},
		{settingChargeStart + "1", "00:00"},
		{settingChargeEnd + "1", "00:00"},
		{settingChargeStart + "2", "00:00"},
		{settingChargeEnd + "2", "00:00"},
	}
	var errs []error
	for _, kv := range settings {
		if err := d.publishSetting(kv[0], kv[1]); err != nil {
			d.log.Warnf("setting %s not confirmed, continuing: %v", kv[0], err)
			errs = append(errs, err)
			time.Sleep(fallbackDelay)
		}
	}
	return errors.Join(errs...)
}

// ConnectionState reports the link health for status endpoints only; session
// decisions never depend on it.
func (d *DongleClient) ConnectionState() gateway.ConnState {
	d.mu.Lock()
	reconnecting := d.reconnecting
	closed := d.closed
	d.mu.Unlock()
	switch {
	case closed:
		return gateway.Disconnected
	case d.cli.IsConnected():
		return gateway.Connected
	case reconnecting:
		return gateway.Reconnecting
	default:
		return gateway.Disconnected
	}
}

// Close disconnects from the broker.
func (d *DongleClient) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cli.Disconnect(250)
}

// publishSetting sends one setting and waits for the dongle's confirmation.
// The publish itself is retried with exponential backoff; a missing or
// negative confirmation is a TransportError, never fatal to the caller.
func (d *DongleClient) publishSetting(key, value string) error {
	payload, err := json.Marshal(struct {
		Setting string `json:"setting"`
		Value   string `json:"value"`
		From    string `json:"from"`
	}{Setting: key, Value: value, From: "solarcharge"})
	if err != nil {
		return gateway.TransportError(key, err)
	}

	ch := d.registerWaiter(key)
	defer d.dropWaiter(key, ch)

	topic := d.prefix + topicUpdate
	var publishErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		token := d.cli.Publish(topic, d.qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			break
		}
		d.log.Errorf("publish %s attempt %d failed: %v", key, attempt+1, publishErr)
		time.Sleep(d.backoff * time.Duration(1<<attempt))
	}
	if publishErr != nil {
		return gateway.TransportError(key, publishErr)
	}
	d.log.Debugf("published %s=%s, waiting for response", key, value)

	timer := time.NewTimer(d.respTimeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		if !ok {
			return gateway.TransportError(key, fmt.Errorf("dongle rejected setting"))
		}
		d.log.Infof("%s=%s confirmed by dongle", key, value)
		return nil
	case <-timer.C:
		return gateway.TransportError(key, fmt.Errorf("timeout waiting for response after %s", d.respTimeout))
	}
}

func (d *DongleClient) registerWaiter(key string) chan bool {
	ch := make(chan bool, 1)
	d.mu.Lock()
	d.waiters[key] = append(d.waiters[key], ch)
	d.mu.Unlock()
	return ch
}

// dropWaiter removes only the caller's own channel, leaving any concurrent
// publish of the same setting waiting for its confirmation.
func (d *DongleClient) dropWaiter(key string, ch chan bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[key]
	for i, c := range list {
		if c == ch {
			d.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.waiters[key]) == 0 {
		delete(d.waiters, key)
	}
}

func (d *DongleClient) onResponse(_ paho.Client, msg paho.Message) {
	var m struct {
		Setting string `json:"setting"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		d.log.Errorf("decode response: %v", err)
		return
	}
	// Confirmations carry only the setting name, so they are matched to the
	// oldest in-flight publish of that setting.
	d.mu.Lock()
	var ch chan bool
	if list := d.waiters[m.Setting]; len(list) > 0 {
		ch = list[0]
		d.waiters[m.Setting] = list[1:]
		if len(list) == 1 {
			delete(d.waiters, m.Setting)
		}
	}
	d.mu.Unlock()
	if ch == nil {
		d.log.Debugf("unsolicited response for %s", m.Setting)
		return
	}
	ch <- m.Success
}

// inputBankPayload is the telemetry frame published by the dongle.
type inputBankPayload struct {
	Serialnumber string `json:"Serialnumber"`
	Payload      struct {
		SOC        *int    `json:"SOC"`
		Pcharge    float64 `json:"Pcharge"`
		Pdischarge float64 `json:"Pdischarge"`
	} `json:"payload"`
}

func (d *DongleClient) onTelemetry(_ paho.Client, msg paho.Message) {
	var frame inputBankPayload
	if err := json.Unmarshal(msg.Payload(), &frame); err != nil {
		d.log.Errorf("decode telemetry: %v", err)
		return
	}
	if frame.Serialnumber == "" || frame.Payload.SOC == nil {
		return
	}
	power := 0.0
	if frame.Payload.Pdischarge > 0 {
		power = -frame.Payload.Pdischarge
	} else if frame.Payload.Pcharge > 0 {
		power = frame.Payload.Pcharge
	}
	u := gateway.SOCUpdate{SOC: *frame.Payload.SOC, BatteryPowerW: power, ReceivedAt: time.Now()}
	d.log.Debugf("soc=%d%% power=%.0fW", u.SOC, u.BatteryPowerW)
	if d.bus != nil {
		d.bus.Publish(u)
	}
}
