package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

func TestProduceAnnouncesToPeers(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-bob", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)
	assert.NotEmpty(t, producerID)

	events := alice.events(protocol.EventNewProducer)
	require.Len(t, events, 1)
}

func TestScreenShareContention(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	p1, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeScreen)
	require.Nil(t, werr)

	_, werr = f.produce(t, "conn-bob", media.KindVideo, protocol.ProducerTypeScreen)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrScreenBusy, werr.Code)

	require.Nil(t, f.room.CloseProducer(context.Background(), "conn-alice", p1))

	_, werr = f.room.Produce(context.Background(), "conn-bob", &protocol.ProduceRequest{
		TransportID:   mustTransportID(t, f.room, "conn-bob"),
		Kind:          protocol.MediaKindVideo,
		RtpParameters: []byte(`{}`),
		AppData:       protocol.ProduceAppData{Type: protocol.ProducerTypeScreen},
	})
	require.Nil(t, werr)
}

func mustTransportID(t *testing.T, r *Room, connectionID string) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connectionID]
	require.True(t, ok)
	require.NotEmpty(t, p.ProducerTransportID)
	return p.ProducerTransportID
}

func TestProducerClosedExactlyOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	require.Nil(t, f.room.CloseProducer(context.Background(), "conn-alice", producerID))
	// Worker close event racing the client close must not re-broadcast.
	f.room.HandleWorkerProducerClosed(producerID, "transport closed")

	assert.Len(t, bob.events(protocol.EventProducerClosed), 1)
}

func TestWorkerInitiatedProducerClose(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeScreen)
	require.Nil(t, werr)

	assert.True(t, f.room.HandleWorkerProducerClosed(producerID, "worker restart"))
	assert.Len(t, bob.events(protocol.EventProducerClosed), 1)
	assert.False(t, f.room.HandleWorkerProducerClosed(producerID, "worker restart"))

	// Screen slot is free again.
	_, werr = f.produce(t, "conn-bob", media.KindVideo, protocol.ProducerTypeScreen)
	require.Nil(t, werr)
}

func TestGhostCannotProduce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	resp, werr, _ := f.join(t, "conn-ghost", guestClaims("casper"), func(req *JoinRequest) {
		req.IsGhost = true
	})
	require.Nil(t, werr)
	require.Equal(t, protocol.JoinStatusJoined, resp.Status)

	transport, werr := f.room.CreateProducerTransport(context.Background(), "conn-ghost")
	require.Nil(t, werr)

	_, werr = f.room.Produce(context.Background(), "conn-ghost", &protocol.ProduceRequest{
		TransportID:   transport.ID,
		Kind:          protocol.MediaKindAudio,
		RtpParameters: []byte(`{}`),
	})
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrGhostNoMedia, werr.Code)
}

func TestToggleMuteBroadcastsPostState(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-bob", media.KindAudio, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	require.Nil(t, f.room.ToggleMute(context.Background(), "conn-bob", true))
	assert.True(t, f.router.ProducerPaused(producerID))
	require.Len(t, alice.events(protocol.EventParticipantMuted), 1)

	require.Nil(t, f.room.ToggleMute(context.Background(), "conn-bob", false))
	assert.False(t, f.router.ProducerPaused(producerID))
	require.Len(t, alice.events(protocol.EventParticipantMuted), 2)
}

func TestToggleMuteWithoutProducerCollapsesToMuted(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	// No audio producer: unmuting still reports muted=true.
	require.Nil(t, f.room.ToggleMute(context.Background(), "conn-bob", false))
	events := alice.events(protocol.EventParticipantMuted)
	require.Len(t, events, 1)
}

func TestConsumeFlow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	ctx := context.Background()
	_, werr = f.room.CreateConsumerTransport(ctx, "conn-bob")
	require.Nil(t, werr)

	consumer, werr := f.room.Consume(ctx, "conn-bob", &protocol.ConsumeRequest{
		ProducerID:      producerID,
		RtpCapabilities: []byte(`{}`),
	})
	require.Nil(t, werr)
	assert.Equal(t, producerID, consumer.ProducerID)

	require.Nil(t, f.room.ResumeConsumer(ctx, "conn-bob", consumer.ID))
}

func TestReconsumeClosesDisplacedConsumer(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	ctx := context.Background()
	_, werr = f.room.CreateConsumerTransport(ctx, "conn-bob")
	require.Nil(t, werr)

	req := &protocol.ConsumeRequest{ProducerID: producerID, RtpCapabilities: []byte(`{}`)}
	first, werr := f.room.Consume(ctx, "conn-bob", req)
	require.Nil(t, werr)
	second, werr := f.room.Consume(ctx, "conn-bob", req)
	require.Nil(t, werr)
	require.NotEqual(t, first.ID, second.ID)

	// The displaced consumer is torn down on the worker, not leaked.
	assert.False(t, f.router.ConsumerExists(first.ID))
	assert.True(t, f.router.ConsumerExists(second.ID))

	werr = f.room.ResumeConsumer(ctx, "conn-bob", first.ID)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrConsumerNotFound, werr.Code)
	require.Nil(t, f.room.ResumeConsumer(ctx, "conn-bob", second.ID))
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	_, werr := f.room.CreateConsumerTransport(context.Background(), "conn-alice")
	require.Nil(t, werr)

	_, werr = f.room.Consume(context.Background(), "conn-alice", &protocol.ConsumeRequest{
		ProducerID:      "nope",
		RtpCapabilities: []byte(`{}`),
	})
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrProducerNotFound, werr.Code)
}

func TestConsumeDeniedByCapabilities(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	_, werr = f.room.CreateConsumerTransport(context.Background(), "conn-bob")
	require.Nil(t, werr)

	f.router.DenyConsume = true
	_, werr = f.room.Consume(context.Background(), "conn-bob", &protocol.ConsumeRequest{
		ProducerID:      producerID,
		RtpCapabilities: []byte(`{}`),
	})
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrCannotConsume, werr.Code)
}

func TestCloseRemoteProducerIsHostOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-alice", media.KindAudio, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	werr = f.room.CloseRemoteProducer(context.Background(), "conn-bob", producerID)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrForbidden, werr.Code)

	require.Nil(t, f.room.CloseRemoteProducer(context.Background(), "conn-alice", producerID))
	assert.False(t, f.router.ProducerExists(producerID))
}

func TestProducersListing(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	_, werr := f.produce(t, "conn-alice", media.KindAudio, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)
	_, werr = f.produce(t, "conn-bob", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	producers, werr := f.room.Producers("conn-alice")
	require.Nil(t, werr)
	assert.Len(t, producers, 2)
}

func TestLeaveClosesTransports(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))
	_ = bob

	producerID, werr := f.produce(t, "conn-alice", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	f.room.Leave(context.Background(), "conn-alice")
	assert.False(t, f.router.ProducerExists(producerID))
	assert.Equal(t, 1, f.room.ParticipantCount())
}
