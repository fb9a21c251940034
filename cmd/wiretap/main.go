// Command wiretap records the IVR's MQTT traffic to JSONL so real sessions
// can be turned into test fixtures.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/ivr-mqtt/internal/broker"
	"github.com/sweeney/ivr-mqtt/internal/logging"
)

type options struct {
	broker   string
	username string
	password string
	prefix   string
	outDir   string
	sanitize string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "wiretap",
		Short:        "Capture IVR MQTT traffic to a JSONL file",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.sanitize != "" {
				if err := sanitizeFile(opts.sanitize); err != nil {
					return fmt.Errorf("sanitize: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sanitized:", opts.sanitize)
				return nil
			}
			return capture(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	f.StringVar(&opts.username, "username", "", "MQTT username")
	f.StringVar(&opts.password, "password", "", "MQTT password")
	f.StringVar(&opts.prefix, "prefix", "ivr", "topic prefix to capture")
	f.StringVar(&opts.outDir, "outdir", "testdata/captures", "output directory for captures")
	f.StringVar(&opts.sanitize, "sanitize", "", "sanitize a capture file in place (keeps .bak)")
	return cmd
}

// record is one captured message.
type record struct {
	Time    time.Time       `json:"time"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Raw     string          `json:"raw,omitempty"`
}

func newRecord(at time.Time, topic string, payload []byte) record {
	r := record{Time: at.UTC(), Topic: topic}
	if json.Valid(payload) {
		r.Payload = json.RawMessage(payload)
	} else {
		r.Raw = string(payload)
	}
	return r
}

func capture(ctx context.Context, opts options) error {
	log, err := logging.New("info", "console")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	filename := filepath.Join(opts.outDir, time.Now().Format("20060102-150405")+".jsonl")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	b, err := broker.NewMQTTBroker(broker.MQTTOptions{
		Broker:   opts.broker,
		ClientID: fmt.Sprintf("wiretap-%d", os.Getpid()),
		Username: opts.username,
		Password: opts.password,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer b.Close()

	var mu sync.Mutex
	enc := json.NewEncoder(f)
	topic := opts.prefix + "/#"
	err = b.Subscribe(topic, func(t string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(newRecord(time.Now(), t, payload)); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	fmt.Printf("writing %s to %s (ctrl+c to stop)\n", topic, filename)
	<-ctx.Done()
	return nil
}
