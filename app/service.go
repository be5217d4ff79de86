package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apicharge "github.com/kilianp07/solarcharge/api/charge"
	"github.com/kilianp07/solarcharge/config"
	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	coremetrics "github.com/kilianp07/solarcharge/core/metrics"
	"github.com/kilianp07/solarcharge/core/schedule"
	"github.com/kilianp07/solarcharge/infra/logger"
	"github.com/kilianp07/solarcharge/infra/metrics"
	"github.com/kilianp07/solarcharge/infra/mqtt"
	"github.com/kilianp07/solarcharge/infra/store"
	"github.com/kilianp07/solarcharge/internal/eventbus"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Service wires the dongle gateway, the schedule manager and the HTTP API.
type Service struct {
	Manager *schedule.Manager
	Gateway *mqtt.DongleClient

	socBus      *eventbus.Bus[gateway.SOCUpdate]
	events      *eventbus.Bus[charge.CompletionEvent]
	sink        coremetrics.MetricsSink
	log         logger.Logger
	serverAddr  string
	promEnabled bool
	promAddr    string
	startedAt   time.Time
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	socBus := eventbus.New[gateway.SOCUpdate]()
	gw, err := mqtt.NewDongleClient(cfg.MQTT, socBus)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	var sinks []coremetrics.MetricsSink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(nil)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.MetricsSink
	switch len(sinks) {
	case 0:
		sink = coremetrics.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	st, err := store.NewFileStore(cfg.Schedule.StorePath)
	if err != nil {
		return nil, fmt.Errorf("schedule store: %w", err)
	}

	events := eventbus.New[charge.CompletionEvent]()
	mgr, err := schedule.NewManager(gw, st, cfg.Charging, logger.New("schedule"), events, sink)
	if err != nil {
		return nil, fmt.Errorf("schedule manager: %w", err)
	}

	return &Service{
		Manager:     mgr,
		Gateway:     gw,
		socBus:      socBus,
		events:      events,
		sink:        sink,
		log:         logg,
		serverAddr:  cfg.Server.Addr,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promAddr:    cfg.Metrics.PrometheusAddr,
		startedAt:   time.Now(),
	}, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	updates := s.socBus.Subscribe()
	defer s.socBus.Unsubscribe(updates)
	go func() {
		for u := range updates {
			s.Manager.HandleSOC(u)
			if err := s.sink.RecordSOC(u); err != nil {
				s.log.Warnf("record soc: %v", err)
			}
		}
	}()

	completions := s.events.Subscribe()
	defer s.events.Unsubscribe(completions)
	go func() {
		for ev := range completions {
			s.log.Infof("session %s ended: %s", ev.SessionID, ev.Reason)
		}
	}()

	if s.promEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              s.serverAddr,
		Handler:           apicharge.NewMux(s.Manager, Version, s.startedAt),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("api listening on %s", s.serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Manager.Close()
	s.Gateway.Close()
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	s.events.Close()
	s.socBus.Close()
	return nil
}
