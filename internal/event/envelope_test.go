package event

import "testing"

func TestDecodeBatchCloudEvents(t *testing.T) {
	body := []byte(`[
		{"id":"e1","source":"calling/callConnections/c1","type":"Microsoft.Communication.CallConnected","data":{"callConnectionId":"c1"}},
		{"id":"e2","source":"calling/callConnections/c1","type":"Microsoft.Communication.PlayCompleted","data":{"callConnectionId":"c1","operationContext":"EndCall"}}
	]`)
	envs, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
	if envs[1].ID != "e2" || envs[1].Type != "Microsoft.Communication.PlayCompleted" {
		t.Errorf("unexpected envelope: %+v", envs[1])
	}
}

func TestDecodeBatchEventGrid(t *testing.T) {
	body := []byte(`[{"id":"g1","eventType":"Microsoft.Communication.IncomingCall","subject":"/phone/15551230000","data":{"incomingCallContext":"abc"}}]`)
	envs, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if envs[0].Type != "Microsoft.Communication.IncomingCall" {
		t.Errorf("expected eventType to populate Type, got %q", envs[0].Type)
	}
	if envs[0].Subject != "/phone/15551230000" {
		t.Errorf("unexpected subject %q", envs[0].Subject)
	}
}

func TestDecodeBatchSingleObject(t *testing.T) {
	envs, err := DecodeBatch([]byte(` {"id":"x","type":"CallDisconnected","data":{}} `))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != "x" {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
}

func TestDecodeBatchErrors(t *testing.T) {
	for name, body := range map[string]string{
		"empty":     "",
		"truncated": `[{"id":`,
		"scalar":    `42`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeBatch([]byte(body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSubscriptionValidation(t *testing.T) {
	envs, err := DecodeBatch([]byte(`[{"id":"v","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"512d38b6"}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !envs[0].IsSubscriptionValidation() {
		t.Fatal("expected validation envelope")
	}
	code, err := envs[0].ValidationCode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != "512d38b6" {
		t.Errorf("expected code 512d38b6, got %q", code)
	}

	missing := Envelope{Type: SubscriptionValidationType, Data: []byte(`{}`)}
	if _, err := missing.ValidationCode(); err == nil {
		t.Error("expected error for missing validation code")
	}
}
