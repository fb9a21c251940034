package callcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/ivr-mqtt/internal/broker"
)

// Reply codes sent back by the media gateway.
const (
	ReplyOK          = "OK"
	ReplyNotFound    = "NotFound"
	ReplyUnsupported = "Unsupported"
)

// Command is one request published to the media gateway.
type Command struct {
	ID               string          `json:"id"`
	Op               string          `json:"op"`
	CallConnectionID string          `json:"callConnectionId,omitempty"`
	ReplyTo          string          `json:"replyTo"`
	Args             json.RawMessage `json:"args,omitempty"`
}

// Reply is the gateway's answer to a Command.
type Reply struct {
	ID      string          `json:"id"`
	Code    string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// MQTTClient drives calls through a media gateway that listens for
// commands on MQTT. Commands go to
//
//	<prefix>/call/<callConnectionId>/command/<op>
//	<prefix>/command/<op>                         (no call yet)
//
// and each one is answered on <prefix>/reply/<clientID>.
type MQTTClient struct {
	broker  broker.Broker
	prefix  string
	replyTo string
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

// MQTTClientOptions configures an MQTTClient.
type MQTTClientOptions struct {
	TopicPrefix string
	ClientID    string
	Timeout     time.Duration
	Logger      *zap.Logger
}

// NewMQTTClient subscribes to the reply topic and returns a ready client.
func NewMQTTClient(b broker.Broker, opts MQTTClientOptions) (*MQTTClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &MQTTClient{
		broker:  b,
		prefix:  opts.TopicPrefix,
		replyTo: fmt.Sprintf("%s/reply/%s", opts.TopicPrefix, opts.ClientID),
		timeout: opts.Timeout,
		log:     log,
		pending: make(map[string]chan Reply),
	}
	if err := b.Subscribe(c.replyTo, c.handleReply); err != nil {
		return nil, err
	}
	return c, nil
}

// CommandTopic returns the topic a command for op is published on.
func CommandTopic(prefix, callID, op string) string {
	if callID == "" {
		return fmt.Sprintf("%s/command/%s", prefix, op)
	}
	return fmt.Sprintf("%s/call/%s/command/%s", prefix, callID, op)
}

func (c *MQTTClient) handleReply(_ string, payload []byte) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		c.log.Warn("discarding malformed command reply", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("reply for unknown command", zap.String("id", r.ID))
		return
	}
	ch <- r
}

// do publishes a command and waits for its reply. A non-nil result is
// filled from the reply's result block.
func (c *MQTTClient) do(ctx context.Context, callID, op string, args, result any) error {
	cmd := Command{
		ID:               uuid.NewString(),
		Op:               op,
		CallConnectionID: callID,
		ReplyTo:          c.replyTo,
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding %s args: %w", op, err)
		}
		cmd.Args = raw
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %s command: %w", op, err)
	}

	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.pending[cmd.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.broker.Publish(ctx, CommandTopic(c.prefix, callID, op), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", op, err)
	}

	select {
	case r := <-ch:
		return decodeReply(op, r, result)
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s reply: %w", op, ctx.Err())
	}
}

func decodeReply(op string, r Reply, result any) error {
	switch r.Code {
	case ReplyOK, "":
	case ReplyNotFound:
		return fmt.Errorf("%s: %s: %w", op, r.Message, ErrNotFound)
	case ReplyUnsupported:
		return fmt.Errorf("%s: %w", op, ErrUnsupported)
	default:
		return fmt.Errorf("%s failed with %s: %s", op, r.Code, r.Message)
	}
	if result == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", op, err)
	}
	return nil
}

func (c *MQTTClient) AnswerCall(ctx context.Context, opts AnswerOptions) (CallConnection, error) {
	var conn CallConnection
	err := c.do(ctx, "", "answerCall", opts, &conn)
	return conn, err
}

func (c *MQTTClient) CreateCall(ctx context.Context, opts CreateCallOptions) (CallConnection, error) {
	var conn CallConnection
	err := c.do(ctx, "", "createCall", opts, &conn)
	return conn, err
}

func (c *MQTTClient) GetCallConnection(ctx context.Context, callID string) (CallConnection, error) {
	var conn CallConnection
	err := c.do(ctx, callID, "getCallConnection", nil, &conn)
	return conn, err
}

type recordingArgs struct {
	ServerCallID string `json:"serverCallId"`
	RecordingID  string `json:"recordingId,omitempty"`
}

func (c *MQTTClient) StartRecording(ctx context.Context, serverCallID string) (string, error) {
	var res struct {
		RecordingID string `json:"recordingId"`
	}
	if err := c.do(ctx, "", "startRecording", recordingArgs{ServerCallID: serverCallID}, &res); err != nil {
		return "", err
	}
	return res.RecordingID, nil
}

func (c *MQTTClient) PauseRecording(ctx context.Context, serverCallID, recordingID string) error {
	return c.do(ctx, "", "pauseRecording", recordingArgs{serverCallID, recordingID}, nil)
}

func (c *MQTTClient) ResumeRecording(ctx context.Context, serverCallID, recordingID string) error {
	return c.do(ctx, "", "resumeRecording", recordingArgs{serverCallID, recordingID}, nil)
}

func (c *MQTTClient) StopRecording(ctx context.Context, serverCallID, recordingID string) error {
	return c.do(ctx, "", "stopRecording", recordingArgs{serverCallID, recordingID}, nil)
}

type participantArgs struct {
	Target           string      `json:"target"`
	OperationContext string      `json:"operationContext,omitempty"`
	Music            *PlaySource `json:"music,omitempty"`
}

func (c *MQTTClient) AddParticipant(ctx context.Context, callID string, opts ParticipantOptions) error {
	return c.do(ctx, callID, "addParticipant", opts, nil)
}

func (c *MQTTClient) RemoveParticipant(ctx context.Context, callID, target, opCtx string) error {
	return c.do(ctx, callID, "removeParticipant", participantArgs{Target: target, OperationContext: opCtx}, nil)
}

func (c *MQTTClient) MuteParticipant(ctx context.Context, callID, target string) error {
	return c.do(ctx, callID, "muteParticipant", participantArgs{Target: target}, nil)
}

func (c *MQTTClient) Hold(ctx context.Context, callID, target string, music *PlaySource, opCtx string) error {
	return c.do(ctx, callID, "hold", participantArgs{Target: target, OperationContext: opCtx, Music: music}, nil)
}

func (c *MQTTClient) Unhold(ctx context.Context, callID, target, opCtx string) error {
	return c.do(ctx, callID, "unhold", participantArgs{Target: target, OperationContext: opCtx}, nil)
}

func (c *MQTTClient) Transfer(ctx context.Context, callID, target, opCtx string) error {
	return c.do(ctx, callID, "transfer", participantArgs{Target: target, OperationContext: opCtx}, nil)
}

func (c *MQTTClient) CancelAllMediaOperations(ctx context.Context, callID string) error {
	return c.do(ctx, callID, "cancelAllMediaOperations", nil, nil)
}

func (c *MQTTClient) Play(ctx context.Context, callID string, opts PlayOptions) error {
	return c.do(ctx, callID, "play", opts, nil)
}

// recognizeArgs carries timeouts in whole seconds on the wire.
type recognizeArgs struct {
	RecognizeOptions
	InitialSilenceTimeout int `json:"initialSilenceTimeout,omitempty"`
	InterToneTimeout      int `json:"interToneTimeout,omitempty"`
}

func (c *MQTTClient) StartRecognizing(ctx context.Context, callID string, opts RecognizeOptions) error {
	args := recognizeArgs{
		RecognizeOptions:      opts,
		InitialSilenceTimeout: int(opts.InitialSilenceTimeout / time.Second),
		InterToneTimeout:      int(opts.InterToneTimeout / time.Second),
	}
	return c.do(ctx, callID, "startRecognizing", args, nil)
}

func (c *MQTTClient) HangUp(ctx context.Context, callID string, forEveryone bool) error {
	args := struct {
		ForEveryone bool `json:"forEveryone"`
	}{forEveryone}
	return c.do(ctx, callID, "hangUp", args, nil)
}
