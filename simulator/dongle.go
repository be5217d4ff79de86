package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Dongle emulates the inverter dongle on the MQTT side: it confirms every
// setting written to <prefix>/update on <prefix>/response and publishes
// inputbank telemetry frames for the simulated battery.
type Dongle struct {
	cli      paho.Client
	prefix   string
	serial   string
	battery  *Battery
	ackDelay time.Duration
}

func NewDongle(broker, prefix, serial string, battery *Battery, ackDelay time.Duration) (*Dongle, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("dongle-sim-" + serial).
		SetAutoReconnect(true)
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect: %w", token.Error())
	}
	d := &Dongle{cli: cli, prefix: prefix, serial: serial, battery: battery, ackDelay: ackDelay}
	if token := cli.Subscribe(prefix+"/update", 1, d.onUpdate); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribe: %w", token.Error())
	}
	return d, nil
}

func (d *Dongle) onUpdate(_ paho.Client, msg paho.Message) {
	var cmd struct {
		Setting string `json:"setting"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("bad update payload: %v", err)
		return
	}
	d.battery.Apply(cmd.Setting, cmd.Value)
	log.Printf("setting %s=%s", cmd.Setting, cmd.Value)

	if d.ackDelay > 0 {
		time.Sleep(d.ackDelay)
	}
	resp, _ := json.Marshal(map[string]any{"setting": cmd.Setting, "success": true})
	d.cli.Publish(d.prefix+"/response", 1, false, resp)
}

// PublishTelemetry sends one inputbank frame with the current battery state.
func (d *Dongle) PublishTelemetry(now time.Time, dt time.Duration) {
	soc, powerW := d.battery.Step(now, dt)
	payload := map[string]any{"SOC": soc}
	if powerW >= 0 {
		payload["Pcharge"] = powerW
		payload["Pdischarge"] = 0.0
	} else {
		payload["Pcharge"] = 0.0
		payload["Pdischarge"] = -powerW
	}
	frame, _ := json.Marshal(map[string]any{"Serialnumber": d.serial, "payload": payload})
	d.cli.Publish(d.prefix+"/inputbank1", 0, false, frame)
	log.Printf("telemetry soc=%d%% power=%.0fW", soc, powerW)
}

func (d *Dongle) Close() { d.cli.Disconnect(250) }
