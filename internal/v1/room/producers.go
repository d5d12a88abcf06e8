package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openmeet-labs/signaling/internal/v1/logging"
	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// CreateProducerTransport provisions the connection's send transport.
// Observers are denied; re-requesting returns a fresh transport and the
// old handle is abandoned to the worker's own cleanup.
func (r *Room) CreateProducerTransport(ctx context.Context, connectionID string) (*media.Transport, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}
	if p.IsObserver {
		return nil, protocol.NewError(protocol.ErrObserverReadonly, "observers cannot create producer transports")
	}

	transport, err := r.router.CreateTransport(ctx, r.ChannelID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if err := p.attachProducerTransport(transport.ID); err != nil {
		return nil, protocol.AsError(err)
	}
	r.touch()
	return transport, nil
}

// CreateConsumerTransport provisions the connection's receive transport.
func (r *Room) CreateConsumerTransport(ctx context.Context, connectionID string) (*media.Transport, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}

	transport, err := r.router.CreateTransport(ctx, r.ChannelID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	p.attachConsumerTransport(transport.ID)
	r.touch()
	return transport, nil
}

// ConnectTransport forwards the client's DTLS answer for one of its own
// transports.
func (r *Room) ConnectTransport(ctx context.Context, connectionID, transportID string, dtlsParameters json.RawMessage) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}
	if transportID != p.ProducerTransportID && transportID != p.ConsumerTransportID {
		return protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", transportID)
	}
	if err := r.router.ConnectTransport(ctx, transportID, dtlsParameters); err != nil {
		return protocol.AsError(err)
	}
	return nil
}

// RestartIce restarts ICE on the caller's producer or consumer transport.
func (r *Room) RestartIce(ctx context.Context, connectionID, which string) (json.RawMessage, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}

	var transportID string
	switch which {
	case "consumer":
		transportID = p.ConsumerTransportID
	default:
		transportID = p.ProducerTransportID
	}
	if transportID == "" {
		return nil, protocol.NewError(protocol.ErrTransportNotFound, "no %s transport", which)
	}

	iceParameters, err := r.router.RestartIce(ctx, transportID)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return iceParameters, nil
}

// Produce creates a producer on the caller's send transport and announces
// it. At most one screen/video producer exists per room.
func (r *Room) Produce(ctx context.Context, connectionID string, req *protocol.ProduceRequest) (string, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return "", werr
	}
	if p.IsGhost {
		return "", protocol.NewError(protocol.ErrGhostNoMedia, "ghost connections cannot produce media")
	}
	if p.IsObserver {
		return "", protocol.NewError(protocol.ErrObserverReadonly, "observers cannot produce media")
	}
	if p.ProducerTransportID == "" || p.ProducerTransportID != req.TransportID {
		return "", protocol.NewError(protocol.ErrTransportNotFound, "transport %s not found", req.TransportID)
	}

	producerType := req.AppData.Type
	if producerType == "" {
		producerType = protocol.ProducerTypeWebcam
	}
	kind := media.Kind(req.Kind)
	if producerType == protocol.ProducerTypeScreen && kind == media.KindVideo && r.screenShareProducerID != "" {
		return "", protocol.NewError(protocol.ErrScreenBusy, "screen share already active")
	}

	producerID, err := r.router.Produce(ctx, req.TransportID, kind, req.RtpParameters, media.ProduceOptions{
		Type: string(producerType),
	})
	if err != nil {
		return "", protocol.AsError(err)
	}

	producer := &Producer{ID: producerID, Kind: kind, Type: producerType}
	p.addProducer(producer)
	r.producerIndex[producerID] = connectionID
	if producerType == protocol.ProducerTypeScreen && kind == media.KindVideo {
		r.screenShareProducerID = producerID
	}
	switch {
	case producerType == protocol.ProducerTypeWebcam && kind == media.KindAudio:
		p.IsMuted = false
	case producerType == protocol.ProducerTypeWebcam && kind == media.KindVideo:
		p.IsCameraOff = false
	}

	r.publishMembersExcept(protocol.EventNewProducer, &protocol.NewProducerEvent{
		ProducerID: producerID,
		UserID:     p.UserKey,
		Kind:       protocol.MediaKind(kind),
		Type:       producerType,
	}, connectionID)
	r.ensureFeedSelection()
	r.touch()

	return producerID, nil
}

// CloseProducer closes one of the caller's own producers.
func (r *Room) CloseProducer(ctx context.Context, connectionID, producerID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.producerIndex[producerID]
	if !ok || owner != connectionID {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	r.closeProducerLocked(ctx, producerID, "closed by owner", true)
	return nil
}

// CloseRemoteProducer lets the host force-close any producer in the room.
func (r *Room) CloseRemoteProducer(ctx context.Context, connectionID, producerID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.requireHost(connectionID); werr != nil {
		return werr
	}
	if _, ok := r.producerIndex[producerID]; !ok {
		return protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", producerID)
	}
	r.closeProducerLocked(ctx, producerID, "closed by host", true)
	return nil
}

// closeProducerLocked removes the producer from every index and broadcasts
// producerClosed exactly once. The worker call is skipped when the close
// originated from the worker itself. Caller holds r.mu.
func (r *Room) closeProducerLocked(ctx context.Context, producerID, reason string, closeOnWorker bool) {
	ownerConnectionID, ok := r.producerIndex[producerID]
	if !ok {
		return
	}
	delete(r.producerIndex, producerID)
	if r.screenShareProducerID == producerID {
		r.screenShareProducerID = ""
	}

	owner := r.participants[ownerConnectionID]
	var producer *Producer
	var ownerKey string
	if owner != nil {
		ownerKey = owner.UserKey
		producer = owner.removeProducerByID(producerID)
	}
	if producer != nil && producer.closed {
		return
	}
	if producer != nil {
		producer.closed = true
		if owner != nil && producer.Type == protocol.ProducerTypeWebcam {
			// A closed webcam producer collapses to the disabled state.
			switch producer.Kind {
			case media.KindAudio:
				owner.IsMuted = true
			case media.KindVideo:
				owner.IsCameraOff = true
			}
		}
	}

	if closeOnWorker {
		if err := r.router.CloseProducer(ctx, producerID); err != nil {
			logging.Warn(ctx, "worker close producer failed",
				zap.String("room_id", r.ID),
				zap.String("producer_id", producerID),
				zap.Error(err))
		}
	}

	r.publishMembers(protocol.EventProducerClosed, &protocol.ProducerClosedEvent{
		ProducerID: producerID,
		UserID:     ownerKey,
		Reason:     reason,
	})
	r.ensureFeedSelection()
	r.touch()
}

// HandleWorkerProducerClosed reacts to a worker-originated producer close.
// Returns false when the producer belongs to another room.
func (r *Room) HandleWorkerProducerClosed(producerID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.producerIndex[producerID]; !ok {
		return false
	}
	if reason == "" {
		reason = "closed by media worker"
	}
	r.closeProducerLocked(context.Background(), producerID, reason, false)
	return true
}

// HandleWorkerTransportClosed tears down every producer riding the closed
// transport. Returns false when the transport is unknown to this room.
func (r *Room) HandleWorkerTransportClosed(transportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handled := false
	for _, p := range r.participants {
		if p.ProducerTransportID == transportID {
			handled = true
			p.ProducerTransportID = ""
			for producerID := range p.producers {
				r.closeProducerLocked(context.Background(), producerID, "transport closed", false)
			}
		}
		if p.ConsumerTransportID == transportID {
			handled = true
			p.ConsumerTransportID = ""
			p.consumers = make(map[string]*Consumer)
		}
	}
	return handled
}

// ToggleMute pauses or resumes the caller's webcam audio producer. The
// stored flag reflects the post-call worker state: a missing or closed
// producer collapses to muted.
func (r *Room) ToggleMute(ctx context.Context, connectionID string, paused bool) *protocol.Error {
	return r.toggleWebcam(ctx, connectionID, media.KindAudio, paused)
}

// ToggleCamera pauses or resumes the caller's webcam video producer.
func (r *Room) ToggleCamera(ctx context.Context, connectionID string, paused bool) *protocol.Error {
	return r.toggleWebcam(ctx, connectionID, media.KindVideo, paused)
}

func (r *Room) toggleWebcam(ctx context.Context, connectionID string, kind media.Kind, paused bool) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}

	producer := p.getProducer(kind, protocol.ProducerTypeWebcam)
	event := protocol.EventParticipantMuted
	if kind == media.KindVideo {
		event = protocol.EventParticipantCameraOff
	}

	state := true
	if producer != nil {
		var err error
		if paused {
			err = r.router.PauseProducer(ctx, producer.ID)
		} else {
			err = r.router.ResumeProducer(ctx, producer.ID)
		}
		if err != nil {
			werr := protocol.AsError(err)
			if werr.Code != protocol.ErrProducerNotFound {
				return werr
			}
			// Producer vanished on the worker; fall through as disabled.
		} else {
			producer.Paused = paused
			state = paused
		}
	}

	if kind == media.KindAudio {
		p.IsMuted = state
	} else {
		p.IsCameraOff = state
	}
	r.publishMembers(event, &protocol.MediaFlagEvent{UserID: p.UserKey, Paused: state})
	r.touch()
	return nil
}

// Consume creates a consumer on the caller's receive transport bound to a
// remote producer.
func (r *Room) Consume(ctx context.Context, connectionID string, req *protocol.ConsumeRequest) (*media.Consumer, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return nil, werr
	}
	if p.ConsumerTransportID == "" {
		return nil, protocol.NewError(protocol.ErrTransportNotFound, "no consumer transport")
	}
	if _, ok := r.producerIndex[req.ProducerID]; !ok {
		return nil, protocol.NewError(protocol.ErrProducerNotFound, "producer %s not found", req.ProducerID)
	}

	ok, err := r.router.CanConsume(ctx, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if !ok {
		return nil, protocol.NewError(protocol.ErrCannotConsume, "cannot consume producer %s", req.ProducerID)
	}

	consumer, err := r.router.Consume(ctx, p.ConsumerTransportID, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if replaced := p.addConsumer(&Consumer{ID: consumer.ID, ProducerID: consumer.ProducerID, Kind: consumer.Kind}); replaced != nil {
		if err := r.router.CloseConsumer(ctx, replaced.ID); err != nil {
			logging.Warn(ctx, "worker close consumer failed",
				zap.String("room_id", r.ID),
				zap.String("consumer_id", replaced.ID),
				zap.Error(err))
		}
	}
	r.touch()
	return consumer, nil
}

// ResumeConsumer resumes a consumer the caller owns.
func (r *Room) ResumeConsumer(ctx context.Context, connectionID, consumerID string) *protocol.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, werr := r.participant(connectionID)
	if werr != nil {
		return werr
	}
	if !p.hasConsumer(consumerID) {
		return protocol.NewError(protocol.ErrConsumerNotFound, "consumer %s not found", consumerID)
	}
	if err := r.router.ResumeConsumer(ctx, consumerID); err != nil {
		return protocol.AsError(err)
	}
	return nil
}

// Producers lists every live producer in the room.
func (r *Room) Producers(connectionID string) ([]protocol.ProducerSummary, *protocol.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, werr := r.participant(connectionID); werr != nil {
		return nil, werr
	}
	out := make([]protocol.ProducerSummary, 0, len(r.producerIndex))
	for _, p := range r.participants {
		out = append(out, p.producerSummaries()...)
	}
	return out, nil
}
