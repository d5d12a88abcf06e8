package room

import (
	"time"

	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// Role is a participant's standing within the room.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Producer is the room-side record of one worker producer.
type Producer struct {
	ID     string
	Kind   media.Kind
	Type   protocol.ProducerType
	Paused bool
	// closed dedupes teardown: producerClosed is broadcast exactly once
	// even when a client close races a worker close event.
	closed bool
}

// Consumer is the room-side record of one worker consumer.
type Consumer struct {
	ID         string
	ProducerID string
	Kind       media.Kind
}

// Participant is one admitted connection. All fields are guarded by the
// owning Room's lock; Participant has no locking of its own.
type Participant struct {
	ConnectionID string
	UserKey      string
	DisplayName  string
	Role         Role
	IsGhost      bool
	IsObserver   bool
	PolicyKey    string
	SessionID    string

	AdmittedAt   time.Time
	admissionSeq uint64

	ProducerTransportID string
	ConsumerTransportID string

	producers map[string]*Producer
	consumers map[string]*Consumer

	IsMuted      bool
	IsCameraOff  bool
	IsHandRaised bool
}

func newParticipant(connectionID, userKey string) *Participant {
	return &Participant{
		ConnectionID: connectionID,
		UserKey:      userKey,
		IsMuted:      true,
		IsCameraOff:  true,
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
	}
}

// attachProducerTransport records the producer transport handle. Re-attaching
// the same id is a no-op; observers may not hold producer transports.
func (p *Participant) attachProducerTransport(transportID string) error {
	if p.IsObserver {
		return protocol.NewError(protocol.ErrObserverReadonly, "observers cannot create producer transports")
	}
	if p.ProducerTransportID == transportID {
		return nil
	}
	p.ProducerTransportID = transportID
	return nil
}

func (p *Participant) attachConsumerTransport(transportID string) {
	p.ConsumerTransportID = transportID
}

func (p *Participant) addProducer(producer *Producer) {
	p.producers[producer.ID] = producer
}

// removeProducerByID removes and returns the producer record, nil if absent.
func (p *Participant) removeProducerByID(producerID string) *Producer {
	producer, ok := p.producers[producerID]
	if !ok {
		return nil
	}
	delete(p.producers, producerID)
	return producer
}

// getProducer finds the participant's producer matching kind and type.
func (p *Participant) getProducer(kind media.Kind, producerType protocol.ProducerType) *Producer {
	for _, producer := range p.producers {
		if producer.Kind == kind && producer.Type == producerType {
			return producer
		}
	}
	return nil
}

// addConsumer records a consumer, dropping any previous consumer bound to
// the same producer so each connection holds at most one per producer.
func (p *Participant) addConsumer(consumer *Consumer) (replaced *Consumer) {
	for id, existing := range p.consumers {
		if existing.ProducerID == consumer.ProducerID {
			replaced = existing
			delete(p.consumers, id)
			break
		}
	}
	p.consumers[consumer.ID] = consumer
	return replaced
}

func (p *Participant) hasConsumer(consumerID string) bool {
	_, ok := p.consumers[consumerID]
	return ok
}

// producerSummaries lists the participant's live producers for snapshots.
func (p *Participant) producerSummaries() []protocol.ProducerSummary {
	out := make([]protocol.ProducerSummary, 0, len(p.producers))
	for _, producer := range p.producers {
		out = append(out, protocol.ProducerSummary{
			ProducerID: producer.ID,
			UserID:     p.UserKey,
			Kind:       protocol.MediaKind(producer.Kind),
			Type:       producer.Type,
			Paused:     producer.Paused,
		})
	}
	return out
}
