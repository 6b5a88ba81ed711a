// Package realtime provides the subcommand that runs the analysis process:
// the detection pipeline plus every service that consumes its events.
package realtime

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/avibox/avibox/internal/analysis"
	"github.com/avibox/avibox/internal/analytics"
	"github.com/avibox/avibox/internal/api"
	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/daemon"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/events"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/mqtt"
	"github.com/avibox/avibox/internal/notify"
	"github.com/avibox/avibox/internal/observability"
	"github.com/avibox/avibox/internal/weather"
)

const busDrainTimeout = 5 * time.Second

// Command creates the realtime command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "realtime",
		Short: "Run the detection pipeline and web interface",
		Long:  "Read audio from the analysis FIFO, classify it, persist detections, and serve the dashboard, notifications, and broker topics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings)
		},
	}
}

func run(ctx context.Context, settings *conf.Settings) error {
	logger := logging.ForService("realtime")

	proc := daemon.NewState()
	proc.Listen()
	defer proc.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	bus := events.NewBus(events.WithDropHook(func(subscriber string) {
		metrics.Bus.EventsDropped.WithLabelValues(subscriber).Inc()
	}))

	model, err := detector.New(settings)
	if err != nil {
		return err
	}
	defer model.Close()

	pipeline := analysis.NewPipeline(settings, model, store, bus, metrics)

	// The broker client is shared between the MQTT service and the
	// notification adapter; this process owns its lifecycle.
	var broker mqtt.Client
	var brokerSvc *mqtt.Service
	if settings.MQTT.Enabled {
		broker, err = mqtt.NewClient(&settings.MQTT, metrics.MQTT)
		if err != nil {
			return err
		}
		brokerSvc = mqtt.NewService(settings, broker)
		if err := bus.Subscribe(brokerSvc); err != nil {
			return err
		}
	}

	notifier, err := buildNotifier(settings, store, broker, metrics)
	if err != nil {
		return err
	}
	if err := bus.Subscribe(notifier); err != nil {
		return err
	}

	weatherSvc, err := weather.NewService(settings, store, metrics.Weather)
	if err != nil {
		return err
	}

	c := cache.New(metrics.Cache)
	stats := analytics.NewService(store, c, settings.TimeLocation())

	var server *api.Server
	if settings.WebServer.Enabled {
		server, err = api.NewServer(settings, store, stats, c, bus, metrics)
		if err != nil {
			return err
		}
	}

	// Consumers start before the pipeline so the first detection already
	// has somewhere to go.
	notifier.Start(runCtx)
	defer notifier.Stop()
	if brokerSvc != nil {
		if err := brokerSvc.Start(runCtx); err != nil {
			return err
		}
		defer func() {
			brokerSvc.Stop()
			broker.Disconnect()
		}()
	}
	if err := weatherSvc.Start(runCtx); err != nil {
		return err
	}
	defer weatherSvc.Stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return pipeline.Run(gctx) })
	if server != nil {
		g.Go(func() error { return server.Start(gctx) })
	}

	err = g.Wait()
	if drainErr := bus.Shutdown(busDrainTimeout); drainErr != nil {
		logger.Warn("event bus drain timed out", "error", drainErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("realtime analysis stopped")
	return nil
}

// buildNotifier compiles the notification rules and registers one delivery
// adapter per configured service. broker may be nil when MQTT is disabled.
func buildNotifier(settings *conf.Settings, store datastore.Interface, broker mqtt.Client, metrics *observability.Metrics) (*notify.Service, error) {
	notifier, err := notify.NewService(settings, store, settings.TimeLocation(), metrics.Notify)
	if err != nil {
		return nil, err
	}

	if len(settings.Notifications.WebhookTargets) > 0 {
		adapter, err := notify.NewWebhookAdapter(settings.Notifications.WebhookTargets)
		if err != nil {
			return nil, err
		}
		if err := notifier.RegisterDispatcher(adapter); err != nil {
			return nil, err
		}
	}
	if len(settings.Notifications.AppriseTargets) > 0 {
		adapter, err := notify.NewAppriseAdapter(settings.Notifications.AppriseTargets)
		if err != nil {
			return nil, err
		}
		if err := notifier.RegisterDispatcher(adapter); err != nil {
			return nil, err
		}
	}
	if broker != nil {
		adapter := notify.NewMQTTAdapter(broker, settings.MQTT.TopicPrefix)
		if err := notifier.RegisterDispatcher(adapter); err != nil {
			return nil, err
		}
	}

	return notifier, nil
}
