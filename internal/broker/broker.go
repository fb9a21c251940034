// Package broker is the MQTT transport shared by the call-control backend,
// the transcript feed and event ingestion.
package broker

import (
	"context"
	"strings"
)

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte)

// Broker publishes and subscribes to topics.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// Match reports whether topic matches an MQTT subscription filter with
// '+' and '#' wildcards.
func Match(filter, topic string) bool {
	for {
		fi, fRest, fMore := strings.Cut(filter, "/")
		if fi == "#" {
			return true
		}
		ti, tRest, tMore := strings.Cut(topic, "/")
		if fi != "+" && fi != ti {
			return false
		}
		if !fMore || !tMore {
			// "a/#" also matches "a".
			return fMore == tMore || (fMore && fRest == "#")
		}
		filter, topic = fRest, tRest
	}
}
