package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/callback"
	"github.com/sweeney/ivr-mqtt/internal/callcontrol"
	"github.com/sweeney/ivr-mqtt/internal/config"
	"github.com/sweeney/ivr-mqtt/internal/dispatcher"
	"github.com/sweeney/ivr-mqtt/internal/logging"
	"github.com/sweeney/ivr-mqtt/internal/menu"
	"github.com/sweeney/ivr-mqtt/internal/metrics"
	"github.com/sweeney/ivr-mqtt/internal/phrase"
	"github.com/sweeney/ivr-mqtt/internal/recording"
	"github.com/sweeney/ivr-mqtt/internal/store"
	"github.com/sweeney/ivr-mqtt/internal/webhook"
)

const pruneSpec = "@every 1m"

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the IVR webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	b, err := broker.NewMQTTBroker(broker.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer b.Close()
	log.Info("connected to MQTT broker", zap.String("broker", cfg.MQTT.Broker))

	client, twiml, err := buildClient(cfg, b, log)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appDeps{
		log:     log,
		metrics: metrics.New(),
		broker:  b,
		client:  client,
		twiml:   twiml,
	})
	if err != nil {
		return err
	}
	err = a.run(ctx)
	log.Info("shutdown complete")
	return err
}

// buildClient picks the call-control backend. The Twilio backend also
// renders the TwiML answer for incoming calls.
func buildClient(cfg *config.Config, b broker.Broker, log *zap.Logger) (callcontrol.Client, webhook.TwiMLAnswerer, error) {
	switch cfg.CallControl.Backend {
	case config.BackendTwilio:
		tw := callcontrol.NewTwilioClient(callcontrol.TwilioOptions{
			AccountSID:  cfg.CallControl.Twilio.AccountSID,
			AuthToken:   cfg.CallControl.Twilio.AuthToken,
			CallbackURL: cfg.HTTP.CallbackURL,
			CallerID:    cfg.CallControl.Twilio.CallerID,
			Logger:      log,
		})
		return tw, tw, nil
	default:
		c, err := callcontrol.NewMQTTClient(b, callcontrol.MQTTClientOptions{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Timeout:     cfg.MQTT.CommandTimeout,
			Logger:      log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("starting call-control client: %w", err)
		}
		return c, nil, nil
	}
}

// buildSettings maps the config file onto dispatcher settings.
func buildSettings(cfg *config.Config) (dispatcher.Settings, error) {
	queues := make(map[menu.Queue]dispatcher.QueueSettings, len(cfg.IVR.Queues))
	for name, q := range cfg.IVR.Queues {
		queue, ok := queueNamed(name)
		if !ok {
			return dispatcher.Settings{}, fmt.Errorf("ivr.queues: unknown queue %q", name)
		}
		queues[queue] = dispatcher.QueueSettings{Agent: q.Agent, EstimatedWait: q.EstimatedWait}
	}
	return dispatcher.Settings{
		AllowedIdentities:          cfg.IVR.AllowedIdentities,
		CallbackURL:                strings.TrimRight(cfg.HTTP.CallbackURL, "/") + "/api/events",
		Voice:                      cfg.IVR.Voice,
		Locale:                     cfg.IVR.Locale,
		UseNLU:                     cfg.IVR.UseNLU,
		UseAIPairing:               cfg.IVR.UseAIPairing,
		UseCustomPhraseRecognition: cfg.IVR.UseCustomPhraseRecognition,
		AllowMenuInterrupt:         cfg.IVR.AllowMenuInterrupt,
		InitialSilenceTimeout:      cfg.IVR.Timeouts.InitialSilence,
		InterToneTimeout:           cfg.IVR.Timeouts.InterTone,
		AccountIDValidation:        cfg.IVR.AccountID.Enabled,
		AccountIDDigits:            cfg.IVR.AccountID.Digits,
		AccountIDTimeout:           cfg.IVR.Timeouts.AccountID,
		Queues:                     queues,
		Supervisor:                 cfg.IVR.Supervisor,
		HoldMusicURL:               cfg.IVR.HoldMusicURL,
		CallbacksEnabled:           cfg.Callback.Enabled,
		CallbackOfferThreshold:     cfg.Callback.OfferThreshold,
		AutoRecord:                 cfg.Recording.AutoStart,
	}, nil
}

// queueNamed accepts a queue name ("HomeQueue") or its classification tag
// ("home").
func queueNamed(name string) (menu.Queue, bool) {
	if q, ok := menu.ParseQueue(name); ok {
		return q, true
	}
	for _, q := range menu.Queues {
		if q.Classification() == name {
			return q, true
		}
	}
	return "", false
}

type appDeps struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	broker  broker.Broker
	client  callcontrol.Client
	twiml   webhook.TwiMLAnswerer

	// archiver overrides the S3 archiver built from config.
	archiver dispatcher.Archiver
}

// app is one assembled IVR: store, rules, HTTP surface and background jobs.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	broker     broker.Broker
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	server     *webhook.Server
	scheduler  *callback.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, deps appDeps) (*app, error) {
	log := logging.OrNop(deps.log)
	settings, err := buildSettings(cfg)
	if err != nil {
		return nil, err
	}

	def := menu.Default(cfg.Callback.Windows)
	if err := def.SetPhrases(cfg.IVR.Menus); err != nil {
		return nil, fmt.Errorf("ivr.menus: %w", err)
	}

	st := store.New()
	records := recording.NewService(deps.client, st, log)
	opts := []dispatcher.Option{
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(deps.metrics),
		dispatcher.WithRecordings(records),
	}

	var recognizer *phrase.Recognizer
	if cfg.IVR.UseNLU {
		source := phrase.NewMQTTSource(deps.broker, cfg.MQTT.TopicPrefix, log)
		recognizer = phrase.NewRecognizer(source, st, nil, log)
		opts = append(opts, dispatcher.WithPhraseRecognizer(recognizer))
	}

	var scheduler *callback.Scheduler
	if cfg.Callback.Enabled {
		db, err := callback.Open(cfg.Callback.Database)
		if err != nil {
			return nil, err
		}
		jobs := callback.NewJobStore(db, callback.WithMetrics(deps.metrics))
		scheduler, err = callback.NewScheduler(jobs, deps.client, callback.SchedulerOptions{
			Spec:        cfg.Callback.Sweep,
			CallbackURL: settings.CallbackURL,
			CallerID:    cfg.Callback.CallerID,
			MaxAttempts: cfg.Callback.MaxAttempts,
			Logger:      log,
			Metrics:     deps.metrics,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, dispatcher.WithCallbackJobs(jobs))
	}

	archiver := deps.archiver
	if archiver == nil && cfg.Recording.S3.Bucket != "" {
		s3cfg := cfg.Recording.S3
		a, err := recording.NewS3Archiver(ctx, recording.S3Options{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			Prefix:          s3cfg.Prefix,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
			Logger:          log,
		})
		if err != nil {
			return nil, err
		}
		archiver = a
	}
	if archiver != nil {
		opts = append(opts, dispatcher.WithArchiver(archiver))
	}

	d := dispatcher.New(deps.client, st, def, settings, opts...)
	if recognizer != nil {
		recognizer.SetSink(d.Dispatch)
	}

	srvOpts := webhook.Options{
		Dispatcher: d,
		Store:      st,
		Operator:   d,
		Recordings: records,
		PublicURL:  cfg.HTTP.CallbackURL,
		DedupeTTL:  cfg.HTTP.DedupeTTL,
		Logger:     log,
		Metrics:    deps.metrics,
	}
	if deps.twiml != nil {
		srvOpts.Twilio = deps.twiml
		srvOpts.TwilioAuthToken = cfg.CallControl.Twilio.AuthToken
	}
	srv, err := webhook.New(srvOpts)
	if err != nil {
		return nil, err
	}
	if err := srv.SubscribeEvents(ctx, deps.broker, cfg.MQTT.TopicPrefix+"/events"); err != nil {
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}

	return &app{
		cfg:        cfg,
		log:        log,
		broker:     deps.broker,
		store:      st,
		dispatcher: d,
		server:     srv,
		scheduler:  scheduler,
	}, nil
}

// run serves HTTP and runs the background jobs until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	housekeeping := cron.New()
	if _, err := housekeeping.AddFunc(pruneSpec, a.prune); err != nil {
		return fmt.Errorf("scheduling tombstone prune: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serving webhooks", zap.String("addr", a.cfg.HTTP.Addr))
		return a.server.Run(gctx, a.cfg.HTTP.Addr)
	})
	g.Go(func() error {
		housekeeping.Start()
		if a.scheduler != nil {
			a.scheduler.Start()
		}
		<-gctx.Done()
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		<-housekeeping.Stop().Done()
		return nil
	})
	return g.Wait()
}

func (a *app) prune() {
	if n := a.store.PruneTerminated(a.cfg.IVR.TombstoneTTL); n > 0 {
		a.log.Debug("pruned terminated calls", zap.Int("count", n))
	}
}
