package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/metrics"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

const (
	requestTimeout   = 10 * time.Second
	reconnectMinWait = 500 * time.Millisecond
	reconnectMaxWait = 30 * time.Second
)

// Client drives the media worker's HTTP control API and subscribes to its
// lifecycle event stream. Control calls run behind a circuit breaker so a
// dead worker fails fast instead of piling up blocked requests.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	observer Observer

	closed chan struct{}
	once   sync.Once
}

// NewClient builds a Client for the worker at addr (host:port).
func NewClient(addr string) *Client {
	settings := gobreaker.Settings{
		Name:    "media-worker",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.WorkerBreakerState.Set(breakerStateValue(to))
			logging.Warn(context.Background(), "media worker breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		baseURL: "http://" + addr,
		wsURL:   "ws://" + addr + "/v1/events",
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		closed:  make(chan struct{}),
	}
}

// SetObserver registers the receiver of worker-initiated events.
func (c *Client) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// Close stops the event stream loop.
func (c *Client) Close() {
	c.once.Do(func() { close(c.closed) })
}

// do issues one control call through the breaker and decodes the response
// into out (when non-nil). Worker and transport failures surface as
// MEDIA_ROUTER_ERROR so callers can ack them verbatim.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, errNotFound
		}
		if resp.StatusCode >= 300 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, payload)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decoding worker response: %w", err)
			}
		}
		return nil, nil
	})
	metrics.WorkerCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.WorkerCalls.WithLabelValues(method, "ok").Inc()
		return nil
	}
	metrics.WorkerCalls.WithLabelValues(method, "error").Inc()
	if err == errNotFound {
		return err
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return protocol.NewError(protocol.ErrMediaRouter, "media worker unavailable")
	}
	if ctx.Err() != nil {
		return protocol.NewError(protocol.ErrTimeout, "media worker request timed out")
	}
	logging.Error(ctx, "media worker request failed", zap.String("path", path), zap.Error(err))
	return protocol.NewError(protocol.ErrMediaRouter, "media worker request failed")
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

var errNotFound = fmt.Errorf("worker resource not found")

// IsNotFound reports whether err is the worker's 404 sentinel.
func IsNotFound(err error) bool { return err == errNotFound }

func (c *Client) RtpCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	var out struct {
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/rooms/"+roomID+"/capabilities", nil, &out); err != nil {
		return nil, err
	}
	return out.RtpCapabilities, nil
}

func (c *Client) CreateTransport(ctx context.Context, roomID string) (*Transport, error) {
	var out Transport
	if err := c.do(ctx, http.MethodPost, "/v1/rooms/"+roomID+"/transports", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	body := map[string]json.RawMessage{"dtlsParameters": dtlsParameters}
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/connect", body, nil)
	if IsNotFound(err) {
		return protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	return err
}

func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/transports/"+transportID, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) RestartIce(ctx context.Context, transportID string) (json.RawMessage, error) {
	var out struct {
		IceParameters json.RawMessage `json:"iceParameters"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/restart-ice", nil, &out)
	if IsNotFound(err) {
		return nil, protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	if err != nil {
		return nil, err
	}
	return out.IceParameters, nil
}

func (c *Client) Produce(ctx context.Context, transportID string, kind Kind, rtpParameters json.RawMessage, opts ProduceOptions) (string, error) {
	body := map[string]any{
		"kind":          kind,
		"rtpParameters": rtpParameters,
		"appData":       opts,
	}
	var out struct {
		ProducerID string `json:"producerId"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/producers", body, &out)
	if IsNotFound(err) {
		return "", protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	if err != nil {
		return "", err
	}
	return out.ProducerID, nil
}

func (c *Client) PauseProducer(ctx context.Context, producerID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/producers/"+producerID+"/pause", nil, nil)
	if IsNotFound(err) {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	return err
}

func (c *Client) ResumeProducer(ctx context.Context, producerID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/producers/"+producerID+"/resume", nil, nil)
	if IsNotFound(err) {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	return err
}

func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/producers/"+producerID, nil, nil)
	if IsNotFound(err) {
		// Already gone on the worker; closing is idempotent.
		return nil
	}
	return err
}

func (c *Client) CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error) {
	body := map[string]json.RawMessage{"rtpCapabilities": rtpCapabilities}
	var out struct {
		CanConsume bool `json:"canConsume"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/producers/"+producerID+"/can-consume", body, &out)
	if IsNotFound(err) {
		return false, protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	if err != nil {
		return false, err
	}
	return out.CanConsume, nil
}

func (c *Client) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*Consumer, error) {
	body := map[string]any{
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	}
	var out Consumer
	err := c.do(ctx, http.MethodPost, "/v1/transports/"+transportID+"/consumers", body, &out)
	if IsNotFound(err) {
		return nil, protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, consumerID string) error {
	err := c.do(ctx, http.MethodPost, "/v1/consumers/"+consumerID+"/resume", nil, nil)
	if IsNotFound(err) {
		return protocol.NewError(protocol.ErrConsumerNotFound, "consumer %s not found", consumerID)
	}
	return err
}

func (c *Client) CloseConsumer(ctx context.Context, consumerID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/consumers/"+consumerID, nil, nil)
	if IsNotFound(err) {
		// Already gone on the worker; closing is idempotent.
		return nil
	}
	return err
}

// workerEvent is one frame on the worker's event stream.
type workerEvent struct {
	Type        string `json:"type"`
	ProducerID  string `json:"producerId,omitempty"`
	TransportID string `json:"transportId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RunEventStream dials the worker's event websocket and dispatches lifecycle
// events to the observer, reconnecting with backoff until Close or ctx
// cancellation. Run it on its own goroutine.
func (c *Client) RunEventStream(ctx context.Context) {
	wait := reconnectMinWait
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
		if err != nil {
			logging.Warn(ctx, "media worker event stream dial failed",
				zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
			if wait *= 2; wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		wait = reconnectMinWait
		c.readEvents(ctx, conn)
		conn.Close()
	}
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		var evt workerEvent
		if err := conn.ReadJSON(&evt); err != nil {
			logging.Warn(ctx, "media worker event stream closed", zap.Error(err))
			return
		}

		c.mu.RLock()
		observer := c.observer
		c.mu.RUnlock()
		if observer == nil {
			continue
		}

		switch evt.Type {
		case "producerClosed":
			observer.OnProducerClosed(evt.ProducerID, evt.Reason)
		case "transportClosed":
			observer.OnTransportClosed(evt.TransportID)
		default:
			logging.Debug(ctx, "ignoring unknown worker event", zap.String("type", evt.Type))
		}
	}
}
