package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// MockRouter is an in-memory Router used by tests and local development.
// IDs are deterministic within one instance.
type MockRouter struct {
	mu         sync.Mutex
	seq        int
	transports map[string]bool
	producers  map[string]bool
	consumers  map[string]string // consumerID -> producerID
	paused     map[string]bool

	// FailNext, when set, makes the next control call fail with a
	// MEDIA_ROUTER_ERROR and then resets.
	FailNext bool

	// DenyConsume forces CanConsume to report false.
	DenyConsume bool

	observer Observer
}

// NewMockRouter builds an empty MockRouter.
func NewMockRouter() *MockRouter {
	return &MockRouter{
		transports: make(map[string]bool),
		producers:  make(map[string]bool),
		consumers:  make(map[string]string),
		paused:     make(map[string]bool),
	}
}

// SetObserver registers the lifecycle event receiver.
func (m *MockRouter) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// EmitProducerClosed simulates a worker-initiated producer teardown.
func (m *MockRouter) EmitProducerClosed(producerID, reason string) {
	m.mu.Lock()
	delete(m.producers, producerID)
	o := m.observer
	m.mu.Unlock()
	if o != nil {
		o.OnProducerClosed(producerID, reason)
	}
}

func (m *MockRouter) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *MockRouter) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return protocol.NewError(protocol.ErrMediaRouter, "media worker request failed")
	}
	return nil
}

func (m *MockRouter) RtpCapabilities(_ context.Context, _ string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`), nil
}

func (m *MockRouter) CreateTransport(_ context.Context, _ string) (*Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	id := m.nextID("transport")
	m.transports[id] = true
	return &Transport{
		ID:             id,
		IceParameters:  json.RawMessage(`{"usernameFragment":"mock"}`),
		IceCandidates:  json.RawMessage(`[]`),
		DtlsParameters: json.RawMessage(`{"role":"auto"}`),
	}, nil
}

func (m *MockRouter) ConnectTransport(_ context.Context, transportID string, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if !m.transports[transportID] {
		return protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	return nil
}

func (m *MockRouter) CloseTransport(_ context.Context, transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transports, transportID)
	return nil
}

func (m *MockRouter) RestartIce(_ context.Context, transportID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	if !m.transports[transportID] {
		return nil, protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	return json.RawMessage(`{"usernameFragment":"mock-restarted"}`), nil
}

func (m *MockRouter) Produce(_ context.Context, transportID string, _ Kind, _ json.RawMessage, _ ProduceOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return "", err
	}
	if !m.transports[transportID] {
		return "", protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	id := m.nextID("producer")
	m.producers[id] = true
	return id, nil
}

func (m *MockRouter) PauseProducer(_ context.Context, producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if !m.producers[producerID] {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	m.paused[producerID] = true
	return nil
}

func (m *MockRouter) ResumeProducer(_ context.Context, producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if !m.producers[producerID] {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	m.paused[producerID] = false
	return nil
}

func (m *MockRouter) CloseProducer(_ context.Context, producerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	delete(m.producers, producerID)
	delete(m.paused, producerID)
	return nil
}

// ProducerPaused reports the worker-side paused state, for assertions.
func (m *MockRouter) ProducerPaused(producerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[producerID]
}

// ProducerExists reports whether the worker still holds the producer.
func (m *MockRouter) ProducerExists(producerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.producers[producerID]
}

func (m *MockRouter) CanConsume(_ context.Context, producerID string, _ json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return false, err
	}
	if !m.producers[producerID] {
		return false, protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	return !m.DenyConsume, nil
}

func (m *MockRouter) Consume(_ context.Context, transportID, producerID string, _ json.RawMessage) (*Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	if !m.transports[transportID] {
		return nil, protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	if !m.producers[producerID] {
		return nil, protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	if m.DenyConsume {
		return nil, protocol.NewError(protocol.ErrCannotConsume, "cannot consume producer %s", producerID)
	}
	id := m.nextID("consumer")
	m.consumers[id] = producerID
	return &Consumer{
		ID:            id,
		ProducerID:    producerID,
		Kind:          KindVideo,
		RtpParameters: json.RawMessage(`{}`),
	}, nil
}

func (m *MockRouter) ResumeConsumer(_ context.Context, consumerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if _, ok := m.consumers[consumerID]; !ok {
		return protocol.NewError(protocol.ErrConsumerNotFound, "consumer %s not found", consumerID)
	}
	return nil
}

func (m *MockRouter) CloseConsumer(_ context.Context, consumerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	delete(m.consumers, consumerID)
	return nil
}

// ConsumerExists reports whether the worker still holds the consumer.
func (m *MockRouter) ConsumerExists(consumerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consumers[consumerID]
	return ok
}
