// Package media adapts the out-of-process media worker. The core never
// touches RTP; it drives the worker's control API and mirrors its state.
package media

import (
	"context"
	"encoding/json"
)

// Kind is an RTP media kind, "audio" or "video".
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Transport describes a worker-side WebRTC transport.
type Transport struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// Consumer describes a worker-side consumer bound to a remote producer.
// Consumers start paused and are resumed once the client acks readiness.
type Consumer struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          Kind            `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// ProduceOptions carries the application metadata attached to a producer.
type ProduceOptions struct {
	Type   string `json:"type,omitempty"` // "webcam" or "screen"
	Paused bool   `json:"paused,omitempty"`
}

// Router is the capability set the core depends on. Implementations must be
// safe for concurrent use.
type Router interface {
	// RtpCapabilities returns the router's RTP capabilities for a room.
	RtpCapabilities(ctx context.Context, roomID string) (json.RawMessage, error)

	CreateTransport(ctx context.Context, roomID string) (*Transport, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	CloseTransport(ctx context.Context, transportID string) error
	RestartIce(ctx context.Context, transportID string) (json.RawMessage, error)

	Produce(ctx context.Context, transportID string, kind Kind, rtpParameters json.RawMessage, opts ProduceOptions) (string, error)
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	CloseProducer(ctx context.Context, producerID string) error

	CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error)
	Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*Consumer, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseConsumer(ctx context.Context, consumerID string) error
}

// Observer receives worker-initiated lifecycle events. Callbacks run on the
// event-stream goroutine and must not block.
type Observer interface {
	OnProducerClosed(producerID, reason string)
	OnTransportClosed(transportID string)
}
