package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type Config struct {
	Broker       string
	Prefix       string
	Serial       string
	Interval     time.Duration
	AckDelay     time.Duration
	InitialSOC   float64
	CapacityKWh  float64
	ChargeRateKW float64
	HouseLoadKW  float64
	Verbose      bool
}

func main() {
	cfg := parseFlags()
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	battery := NewBattery(cfg.CapacityKWh, cfg.ChargeRateKW, cfg.HouseLoadKW, cfg.InitialSOC)
	dongle, err := NewDongle(cfg.Broker, cfg.Prefix, cfg.Serial, battery, cfg.AckDelay)
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("dongle: %v", err)
	}
	defer dongle.Close()

	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dongle.PublishTelemetry(now, cfg.Interval)
		}
	}
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.Prefix, "prefix", "lxp/SIM0000001", "dongle topic prefix")
	flag.StringVar(&cfg.Serial, "serial", "SIM0000001", "battery serial number")
	flag.DurationVar(&cfg.Interval, "interval", 5*time.Second, "telemetry publish interval")
	flag.DurationVar(&cfg.AckDelay, "ack-delay", 0, "delay before confirming a setting")
	flag.Float64Var(&cfg.InitialSOC, "soc", 45, "initial state of charge percent")
	flag.Float64Var(&cfg.CapacityKWh, "capacity", 10, "battery capacity kWh")
	flag.Float64Var(&cfg.ChargeRateKW, "charge-rate", 3.6, "AC charge rate kW")
	flag.Float64Var(&cfg.HouseLoadKW, "house-load", 0.4, "baseline house load kW")
	flag.BoolVar(&cfg.Verbose, "verbose", true, "enable logging")
	flag.Parse()
	return cfg
}
