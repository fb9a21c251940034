package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://mosquitto:1883
  client_id: ivr-test
  topic_prefix: contact
  command_timeout: 3s
http:
  addr: ":9090"
  callback_url: https://ivr.example.com
ivr:
  allowed_identities: ["+15551230000"]
  use_nlu: true
  use_custom_phrase_recognition: true
  timeouts:
    initial_silence: 7s
  menus:
    MainMenu:
      HomeQueue: [fibre, router]
  queues:
    HomeQueue:
      agent: "8:acs:home-team"
      estimated_wait: 12m
callback:
  enabled: true
  windows: [30m, 2h]
recording:
  auto_start: true
  s3:
    bucket: recordings
    region: eu-west-2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MQTT.TopicPrefix != "contact" {
		t.Errorf("expected topic_prefix=contact, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.CommandTimeout != 3*time.Second {
		t.Errorf("expected command_timeout=3s, got %s", cfg.MQTT.CommandTimeout)
	}
	if cfg.IVR.Timeouts.InitialSilence != 7*time.Second {
		t.Errorf("expected initial_silence=7s, got %s", cfg.IVR.Timeouts.InitialSilence)
	}
	if cfg.IVR.Timeouts.InterTone != 3*time.Second {
		t.Errorf("expected default inter_tone=3s, got %s", cfg.IVR.Timeouts.InterTone)
	}
	if got := cfg.IVR.Menus["MainMenu"]["HomeQueue"]; len(got) != 2 || got[1] != "router" {
		t.Errorf("unexpected menu override %v", got)
	}
	if q := cfg.IVR.Queues["HomeQueue"]; q.Agent != "8:acs:home-team" || q.EstimatedWait != 12*time.Minute {
		t.Errorf("unexpected queue %+v", q)
	}
	if len(cfg.Callback.Windows) != 2 || cfg.Callback.Windows[0] != 30*time.Minute {
		t.Errorf("unexpected windows %v", cfg.Callback.Windows)
	}
	if !cfg.Recording.AutoStart || cfg.Recording.S3.Bucket != "recordings" {
		t.Errorf("unexpected recording config %+v", cfg.Recording)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
http:
  callback_url: https://ivr.example.com
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "ivr-mqtt" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != "ivr" {
		t.Errorf("expected default topic_prefix=ivr, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.CallControl.Backend != BackendMQTT {
		t.Errorf("expected default backend=mqtt, got %s", cfg.CallControl.Backend)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected default addr=:8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.IVR.AccountID.Digits != 8 {
		t.Errorf("expected default account id digits=8, got %d", cfg.IVR.AccountID.Digits)
	}
	if cfg.Callback.Sweep != "@every 1m" {
		t.Errorf("expected default sweep, got %s", cfg.Callback.Sweep)
	}
	if len(cfg.IVR.AllowedIdentities) != 0 {
		t.Errorf("expected empty allow-list by default, got %v", cfg.IVR.AllowedIdentities)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"missing callback url", `
http:
  addr: ":8080"
`, "http.callback_url is required"},
		{"empty broker", `
http:
  callback_url: https://ivr.example.com
mqtt:
  broker: ""
`, "mqtt.broker is required"},
		{"empty client_id", `
http:
  callback_url: https://ivr.example.com
mqtt:
  client_id: ""
`, "mqtt.client_id is required"},
		{"empty topic_prefix", `
http:
  callback_url: https://ivr.example.com
mqtt:
  topic_prefix: ""
`, "mqtt.topic_prefix is required"},
		{"wildcard topic_prefix", `
http:
  callback_url: https://ivr.example.com
mqtt:
  topic_prefix: "ivr/#"
`, `mqtt.topic_prefix must not contain wildcards, got "ivr/#"`},
		{"bad qos", `
http:
  callback_url: https://ivr.example.com
mqtt:
  qos: 3
`, "mqtt.qos must be 0, 1 or 2, got 3"},
		{"unknown backend", `
http:
  callback_url: https://ivr.example.com
call_control:
  backend: sip
`, `call_control.backend must be mqtt or twilio, got "sip"`},
		{"twilio without sid", `
http:
  callback_url: https://ivr.example.com
call_control:
  backend: twilio
  twilio:
    auth_token: tok
`, "call_control.twilio.account_sid is required for the twilio backend"},
		{"twilio without token", `
http:
  callback_url: https://ivr.example.com
call_control:
  backend: twilio
  twilio:
    account_sid: AC123
`, "call_control.twilio.auth_token is required for the twilio backend"},
		{"custom phrase without nlu", `
http:
  callback_url: https://ivr.example.com
ivr:
  use_custom_phrase_recognition: true
`, "ivr.use_custom_phrase_recognition requires ivr.use_nlu"},
		{"ai pairing without nlu", `
http:
  callback_url: https://ivr.example.com
ivr:
  use_ai_pairing: true
`, "ivr.use_ai_pairing requires ivr.use_nlu"},
		{"queue without agent", `
http:
  callback_url: https://ivr.example.com
ivr:
  queues:
    TvQueue:
      estimated_wait: 1m
`, "ivr.queues.TvQueue.agent is required"},
		{"callback without windows", `
http:
  callback_url: https://ivr.example.com
callback:
  enabled: true
  windows: []
`, "callback.windows must not be empty when callbacks are enabled"},
		{"bucket without region", `
http:
  callback_url: https://ivr.example.com
recording:
  s3:
    bucket: recordings
`, "recording.s3.region is required when recording.s3.bucket is set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
