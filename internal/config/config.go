package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	CallControl CallControlConfig `yaml:"call_control"`
	IVR         IVRConfig         `yaml:"ivr"`
	Callback    CallbackConfig    `yaml:"callback"`
	Recording   RecordingConfig   `yaml:"recording"`
	Log         LogConfig         `yaml:"log"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	QoS            byte          `yaml:"qos"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// CallbackURL is the public base URL the call-control service posts
	// events back to.
	CallbackURL string        `yaml:"callback_url"`
	DedupeTTL   time.Duration `yaml:"dedupe_ttl"`
}

type CallControlConfig struct {
	Backend string       `yaml:"backend"`
	Twilio  TwilioConfig `yaml:"twilio"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	CallerID   string `yaml:"caller_id"`
}

type IVRConfig struct {
	AllowedIdentities          []string                       `yaml:"allowed_identities"`
	Locale                     string                         `yaml:"locale"`
	Voice                      string                         `yaml:"voice"`
	UseNLU                     bool                           `yaml:"use_nlu"`
	UseAIPairing               bool                           `yaml:"use_ai_pairing"`
	UseCustomPhraseRecognition bool                           `yaml:"use_custom_phrase_recognition"`
	AllowMenuInterrupt         bool                           `yaml:"allow_menu_interrupt"`
	Timeouts                   TimeoutsConfig                 `yaml:"timeouts"`
	AccountID                  AccountIDConfig                `yaml:"account_id"`
	Menus                      map[string]map[string][]string `yaml:"menus"`
	Queues                     map[string]QueueConfig         `yaml:"queues"`
	Supervisor                 string                         `yaml:"supervisor"`
	HoldMusicURL               string                         `yaml:"hold_music_url"`
	TombstoneTTL               time.Duration                  `yaml:"tombstone_ttl"`
}

type TimeoutsConfig struct {
	InitialSilence time.Duration `yaml:"initial_silence"`
	InterTone      time.Duration `yaml:"inter_tone"`
	AccountID      time.Duration `yaml:"account_id"`
}

type AccountIDConfig struct {
	Enabled bool `yaml:"enabled"`
	Digits  int  `yaml:"digits"`
}

type QueueConfig struct {
	Agent         string        `yaml:"agent"`
	EstimatedWait time.Duration `yaml:"estimated_wait"`
}

type CallbackConfig struct {
	Enabled        bool            `yaml:"enabled"`
	OfferThreshold time.Duration   `yaml:"offer_threshold"`
	Windows        []time.Duration `yaml:"windows"`
	Database       string          `yaml:"database"`
	Sweep          string          `yaml:"sweep"`
	MaxAttempts    int             `yaml:"max_attempts"`
	CallerID       string          `yaml:"caller_id"`
}

type RecordingConfig struct {
	AutoStart bool     `yaml:"auto_start"`
	S3        S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backends accepted in call_control.backend.
const (
	BackendMQTT   = "mqtt"
	BackendTwilio = "twilio"
)

func defaults() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "ivr-mqtt",
			TopicPrefix:    "ivr",
			CommandTimeout: 10 * time.Second,
			QoS:            1,
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			DedupeTTL: 10 * time.Minute,
		},
		CallControl: CallControlConfig{Backend: BackendMQTT},
		IVR: IVRConfig{
			Locale: "en-US",
			Timeouts: TimeoutsConfig{
				InitialSilence: 5 * time.Second,
				InterTone:      3 * time.Second,
				AccountID:      30 * time.Second,
			},
			AccountID:    AccountIDConfig{Digits: 8},
			TombstoneTTL: time.Hour,
		},
		Callback: CallbackConfig{
			OfferThreshold: 5 * time.Minute,
			Windows:        []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour},
			Database:       "callbacks.db",
			Sweep:          "@every 1m",
			MaxAttempts:    3,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.CallbackURL == "" {
		return fmt.Errorf("http.callback_url is required")
	}

	switch c.CallControl.Backend {
	case BackendMQTT:
	case BackendTwilio:
		if c.CallControl.Twilio.AccountSID == "" {
			return fmt.Errorf("call_control.twilio.account_sid is required for the twilio backend")
		}
		if c.CallControl.Twilio.AuthToken == "" {
			return fmt.Errorf("call_control.twilio.auth_token is required for the twilio backend")
		}
	default:
		return fmt.Errorf("call_control.backend must be mqtt or twilio, got %q", c.CallControl.Backend)
	}

	if c.IVR.UseCustomPhraseRecognition && !c.IVR.UseNLU {
		return fmt.Errorf("ivr.use_custom_phrase_recognition requires ivr.use_nlu")
	}
	if c.IVR.UseAIPairing && !c.IVR.UseNLU {
		return fmt.Errorf("ivr.use_ai_pairing requires ivr.use_nlu")
	}
	if c.IVR.AccountID.Enabled && c.IVR.AccountID.Digits < 1 {
		return fmt.Errorf("ivr.account_id.digits must be positive, got %d", c.IVR.AccountID.Digits)
	}
	for name, q := range c.IVR.Queues {
		if q.Agent == "" {
			return fmt.Errorf("ivr.queues.%s.agent is required", name)
		}
	}

	if c.Callback.Enabled {
		if len(c.Callback.Windows) == 0 {
			return fmt.Errorf("callback.windows must not be empty when callbacks are enabled")
		}
		if len(c.Callback.Windows) > 9 {
			return fmt.Errorf("callback.windows allows at most 9 entries, got %d", len(c.Callback.Windows))
		}
		if c.Callback.Database == "" {
			return fmt.Errorf("callback.database is required when callbacks are enabled")
		}
		if c.Callback.MaxAttempts < 1 {
			return fmt.Errorf("callback.max_attempts must be positive, got %d", c.Callback.MaxAttempts)
		}
	}

	if c.Recording.S3.Bucket != "" && c.Recording.S3.Region == "" {
		return fmt.Errorf("recording.s3.region is required when recording.s3.bucket is set")
	}
	return nil
}
