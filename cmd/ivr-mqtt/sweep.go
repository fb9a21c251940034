package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/callback"
	"github.com/sweeney/ivr-mqtt/internal/config"
	"github.com/sweeney/ivr-mqtt/internal/logging"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
)

func buildSweepCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Dial every due scheduled callback once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := runSweep(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dialled %d callbacks\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func runSweep(ctx context.Context, configPath string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Callback.Enabled {
		return 0, fmt.Errorf("callbacks are disabled in %s", configPath)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return 0, err
	}
	defer func() { _ = log.Sync() }()

	b, err := broker.NewMQTTBroker(broker.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID + "-sweep",
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
		Logger:   log,
	})
	if err != nil {
		return 0, fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer b.Close()

	client, _, err := buildClient(cfg, b, log)
	if err != nil {
		return 0, err
	}
	settings, err := buildSettings(cfg)
	if err != nil {
		return 0, err
	}
	db, err := callback.Open(cfg.Callback.Database)
	if err != nil {
		return 0, err
	}
	m := metrics.New()
	s, err := callback.NewScheduler(callback.NewJobStore(db, callback.WithMetrics(m)), client, callback.SchedulerOptions{
		Spec:        cfg.Callback.Sweep,
		CallbackURL: settings.CallbackURL,
		CallerID:    cfg.Callback.CallerID,
		MaxAttempts: cfg.Callback.MaxAttempts,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return 0, err
	}
	n, err := s.Sweep(ctx)
	log.Info("manual sweep finished", zap.Int("dialled", n), zap.Error(err))
	return n, err
}
