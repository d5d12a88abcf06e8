package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet-labs/signaling/internal/v1/auth"
	"github.com/openmeet-labs/signaling/internal/v1/media"
	"github.com/openmeet-labs/signaling/internal/v1/policy"
	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// sink collects the frames delivered to one fake connection.
type sink struct {
	id string

	mu     sync.Mutex
	frames []*protocol.Frame
}

func newSink(id string) *sink { return &sink{id: id} }

func (s *sink) ID() string { return s.id }

func (s *sink) Enqueue(frame *protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

// events returns the received frames of one type, in order.
func (s *sink) events(eventType string) []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range s.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

// frameCount returns the total number of delivered frames.
func (s *sink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// eventIndex returns the position of the first frame of the given type,
// or -1.
func (s *sink) eventIndex(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.frames {
		if f.Type == eventType {
			return i
		}
	}
	return -1
}

func testPolicies(t *testing.T) *policy.Table {
	t.Helper()
	table, err := policy.NewTable(`{
		"nowait": {"allowHostJoin": true, "useWaitingRoom": false, "allowDisplayNameUpdate": true},
		"noname": {"allowHostJoin": true, "useWaitingRoom": false, "allowDisplayNameUpdate": false}
	}`)
	require.NoError(t, err)
	return table
}

func testConfig() Config {
	return Config{
		AdminCleanupTimeout:    time.Hour,
		EmptyRoomTTL:           time.Hour,
		VideoQualityThresholds: []int{4, 9, 16},
	}
}

type fixture struct {
	room    *Room
	router  *media.MockRouter
	emptied chan struct{}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		router:  media.NewMockRouter(),
		emptied: make(chan struct{}, 1),
	}
	f.room = New("room-1", "chan-room-1", cfg, f.router, testPolicies(t), func() {
		f.emptied <- struct{}{}
	})
	return f
}

func hostClaims(user string) *auth.Claims {
	return &auth.Claims{
		UserID:            user,
		Email:             user + "@example.com",
		Name:              user,
		IsHost:            true,
		IsAdmin:           true,
		AllowRoomCreation: true,
		ClientID:          "nowait",
	}
}

func guestClaims(user string) *auth.Claims {
	return &auth.Claims{
		UserID:   user,
		Email:    user + "@example.com",
		Name:     user,
		ClientID: "nowait",
	}
}

func attendeeClaims(user string) *auth.Claims {
	c := guestClaims(user)
	c.JoinMode = auth.JoinModeWebinarAttendee
	return c
}

// join admits a connection and returns the response plus its frame sink.
func (f *fixture) join(t *testing.T, connectionID string, claims *auth.Claims, mutate func(*JoinRequest)) (*protocol.JoinRoomResponse, *protocol.Error, *sink) {
	t.Helper()
	s := newSink(connectionID)
	req := &JoinRequest{
		ConnectionID: connectionID,
		SessionID:    "sess-" + connectionID,
		Claims:       claims,
		Subscriber:   s,
	}
	if mutate != nil {
		mutate(req)
	}
	resp, werr := f.room.Join(context.Background(), req)
	return resp, werr, s
}

func (f *fixture) mustJoin(t *testing.T, connectionID string, claims *auth.Claims) *sink {
	t.Helper()
	resp, werr, s := f.join(t, connectionID, claims, nil)
	require.Nil(t, werr)
	require.Equal(t, protocol.JoinStatusJoined, resp.Status)
	return s
}

// produce provisions a transport and producer for the connection.
func (f *fixture) produce(t *testing.T, connectionID string, kind media.Kind, producerType protocol.ProducerType) (string, *protocol.Error) {
	t.Helper()
	ctx := context.Background()
	transport, werr := f.room.CreateProducerTransport(ctx, connectionID)
	require.Nil(t, werr)
	return f.room.Produce(ctx, connectionID, &protocol.ProduceRequest{
		TransportID:   transport.ID,
		Kind:          protocol.MediaKind(kind),
		RtpParameters: []byte(`{}`),
		AppData:       protocol.ProduceAppData{Type: producerType},
	})
}

// --- admission ---

func TestHostCreatesRoom(t *testing.T) {
	f := newFixture(t, testConfig())

	resp, werr, alice := f.join(t, "conn-alice", hostClaims("alice"), nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
	assert.Equal(t, "alice@example.com", resp.HostUserID)
	assert.NotNil(t, resp.RtpCapabilities)
	assert.Empty(t, alice.events(protocol.EventUserJoined))
}

func TestNonHostCannotCreateRoom(t *testing.T) {
	f := newFixture(t, testConfig())

	claims := guestClaims("bob")
	_, werr, _ := f.join(t, "conn-bob", claims, nil)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrRoomNotFound, werr.Code)
}

func TestRoomCreationFlagElectsNonHost(t *testing.T) {
	f := newFixture(t, testConfig())

	claims := guestClaims("bob")
	claims.AllowRoomCreation = true
	resp, werr, _ := f.join(t, "conn-bob", claims, nil)
	require.Nil(t, werr)
	assert.Equal(t, "bob@example.com", resp.HostUserID)
}

func TestWaitingRoomFlow(t *testing.T) {
	f := newFixture(t, testConfig())

	aliceClaims := hostClaims("alice")
	aliceClaims.ClientID = "" // default policy: useWaitingRoom=true
	alice := f.mustJoin(t, "conn-alice", aliceClaims)

	bobClaims := guestClaims("bob")
	bobClaims.ClientID = ""
	resp, werr, bob := f.join(t, "conn-bob", bobClaims, nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusWaiting, resp.Status)
	assert.Len(t, bob.events(protocol.EventWaitingRoomStatus), 1)
	require.Len(t, alice.events(protocol.EventUserRequestedJoin), 1)
	assert.Equal(t, 1, f.room.PendingCount())

	require.Nil(t, f.room.AdmitUser("conn-alice", "bob@example.com"))
	assert.Len(t, bob.events(protocol.EventJoinApproved), 1)
	assert.Zero(t, f.room.PendingCount())

	resp, werr, _ = f.join(t, "conn-bob", bobClaims, nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
	assert.Len(t, alice.events(protocol.EventUserJoined), 1)
}

func TestAdmitUnknownUserIsNoop(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))

	before := alice.frameCount()
	require.Nil(t, f.room.AdmitUser("conn-alice", "nobody@example.com"))
	assert.Equal(t, before, alice.frameCount())
}

func TestAdmittedUserSecondDeviceSkipsWaitingRoom(t *testing.T) {
	f := newFixture(t, testConfig())

	aliceClaims := hostClaims("alice")
	aliceClaims.ClientID = "" // default policy: useWaitingRoom=true
	f.mustJoin(t, "conn-alice", aliceClaims)

	bobClaims := guestClaims("bob")
	bobClaims.ClientID = ""
	resp, werr, _ := f.join(t, "conn-bob", bobClaims, nil)
	require.Nil(t, werr)
	require.Equal(t, protocol.JoinStatusWaiting, resp.Status)

	require.Nil(t, f.room.AdmitUser("conn-alice", "bob@example.com"))
	resp, werr, _ = f.join(t, "conn-bob", bobClaims, nil)
	require.Nil(t, werr)
	require.Equal(t, protocol.JoinStatusJoined, resp.Status)

	// The approval was burned on the first device, but the user already
	// holds an admitted connection; another device joins directly.
	resp, werr, _ = f.join(t, "conn-bob-2", bobClaims, nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
	assert.Zero(t, f.room.PendingCount())
}

func TestRejectUser(t *testing.T) {
	f := newFixture(t, testConfig())
	aliceClaims := hostClaims("alice")
	aliceClaims.ClientID = ""
	f.mustJoin(t, "conn-alice", aliceClaims)

	bobClaims := guestClaims("bob")
	bobClaims.ClientID = ""
	_, _, bob := f.join(t, "conn-bob", bobClaims, nil)

	require.Nil(t, f.room.RejectUser("conn-alice", "bob@example.com"))
	assert.Len(t, bob.events(protocol.EventJoinRejected), 1)
	assert.Zero(t, f.room.PendingCount())
}

func TestPendingDisconnectNotifiesHost(t *testing.T) {
	f := newFixture(t, testConfig())
	aliceClaims := hostClaims("alice")
	aliceClaims.ClientID = ""
	alice := f.mustJoin(t, "conn-alice", aliceClaims)

	bobClaims := guestClaims("bob")
	bobClaims.ClientID = ""
	f.join(t, "conn-bob", bobClaims, nil)

	f.room.Leave(context.Background(), "conn-bob")
	assert.Len(t, alice.events(protocol.EventPendingUserLeft), 1)
	assert.Zero(t, f.room.PendingCount())
}

func TestLockedRoomRejectsGuests(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	require.Nil(t, f.room.SetLocked("conn-alice", true))

	_, werr, _ := f.join(t, "conn-bob", guestClaims("bob"), nil)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrRoomLocked, werr.Code)

	forced := guestClaims("carol")
	forced.IsForcedHost = true
	resp, werr, _ := f.join(t, "conn-carol", forced, nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
}

func TestNoGuestsRequiresEmail(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	require.Nil(t, f.room.SetNoGuests("conn-alice", true))

	anon := guestClaims("anon")
	anon.Email = ""
	_, werr, _ := f.join(t, "conn-anon", anon, nil)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrNoGuests, werr.Code)
}

func TestMeetingInviteCodeRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))

	code := "42"
	_, werr := f.room.UpdateMeetingConfig("conn-alice", &protocol.MeetingUpdateRequest{InviteCode: &code})
	require.Nil(t, werr)

	_, joinErr, _ := f.join(t, "conn-carol", guestClaims("carol"), nil)
	require.NotNil(t, joinErr)
	assert.Equal(t, protocol.ErrMeetingInviteCodeInvalid, joinErr.Code)
	assert.Equal(t, "meeting invite code required", joinErr.Message)

	_, joinErr, _ = f.join(t, "conn-carol", guestClaims("carol"), func(req *JoinRequest) {
		req.MeetingInviteCode = "41"
	})
	require.NotNil(t, joinErr)
	assert.Equal(t, "invalid meeting invite code", joinErr.Message)

	resp, joinErr, _ := f.join(t, "conn-carol", guestClaims("carol"), func(req *JoinRequest) {
		req.MeetingInviteCode = "42"
	})
	require.Nil(t, joinErr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
}

func TestRejoinReturnsCurrentState(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))

	resp, werr, _ := f.join(t, "conn-alice", hostClaims("alice"), nil)
	require.Nil(t, werr)
	assert.Equal(t, protocol.JoinStatusJoined, resp.Status)
	assert.Equal(t, 1, f.room.ParticipantCount())
}

// --- host transfer ---

func TestHostDisconnectAndResume(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	f.room.HostConnectionDropped("conn-alice")
	assert.Empty(t, f.room.HostUserKey())

	f.room.ConnectionResumed("conn-alice")
	assert.Equal(t, "alice@example.com", f.room.HostUserKey())
}

func TestHostRejoinWithinWindowRestoresSilently(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	f.room.HostConnectionDropped("conn-alice")
	f.room.Leave(context.Background(), "conn-alice")

	// The reassignment window survives the teardown; a fresh connection
	// from the same user gets host back without any broadcast.
	resp, werr, _ := f.join(t, "conn-alice-2", hostClaims("alice"), nil)
	require.Nil(t, werr)
	assert.Equal(t, "alice@example.com", resp.HostUserID)
	assert.Empty(t, bob.events(protocol.EventHostChanged))
}

func TestHostReassignmentPromotesEarliest(t *testing.T) {
	cfg := testConfig()
	cfg.AdminCleanupTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))
	f.mustJoin(t, "conn-carol", guestClaims("carol"))

	f.room.HostConnectionDropped("conn-alice")
	f.room.Leave(context.Background(), "conn-alice")

	require.Eventually(t, func() bool {
		return f.room.HostUserKey() == "bob@example.com"
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, bob.events(protocol.EventHostChanged), 1)
}

func TestAdminOpsFailWithoutHost(t *testing.T) {
	cfg := testConfig()
	cfg.AdminCleanupTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.mustJoin(t, "conn-alice", hostClaims("alice"))

	// A ghost is ineligible for promotion, leaving the room host-less.
	resp, werr, _ := f.join(t, "conn-casper", guestClaims("casper"), func(req *JoinRequest) {
		req.IsGhost = true
	})
	require.Nil(t, werr)
	require.Equal(t, protocol.JoinStatusJoined, resp.Status)

	f.room.HostConnectionDropped("conn-alice")
	f.room.Leave(context.Background(), "conn-alice")

	require.Eventually(t, func() bool {
		werr := f.room.SetLocked("conn-casper", true)
		return werr != nil && werr.Code == protocol.ErrNoHost
	}, 2*time.Second, 10*time.Millisecond)
}

// --- teardown & lifecycle ---

func TestKickOrdering(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	producerID, werr := f.produce(t, "conn-bob", media.KindVideo, protocol.ProducerTypeWebcam)
	require.Nil(t, werr)

	require.Nil(t, f.room.Kick(context.Background(), "conn-alice", "bob@example.com"))

	assert.Len(t, bob.events(protocol.EventKicked), 1)
	closedIdx := alice.eventIndex(protocol.EventProducerClosed)
	leftIdx := alice.eventIndex(protocol.EventUserLeft)
	require.NotEqual(t, -1, closedIdx)
	require.NotEqual(t, -1, leftIdx)
	assert.Less(t, closedIdx, leftIdx)
	assert.False(t, f.router.ProducerExists(producerID))
	assert.Equal(t, 1, f.room.ParticipantCount())
}

func TestEmptyRoomTTL(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomTTL = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.mustJoin(t, "conn-alice", hostClaims("alice"))

	f.room.Leave(context.Background(), "conn-alice")

	select {
	case <-f.emptied:
	case <-time.After(2 * time.Second):
		t.Fatal("empty-room TTL did not fire")
	}
	assert.True(t, f.room.Closed())
}

func TestEmptyTimerCancelledByRejoin(t *testing.T) {
	cfg := testConfig()
	cfg.EmptyRoomTTL = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.room.Leave(context.Background(), "conn-alice")

	f.mustJoin(t, "conn-alice-2", hostClaims("alice"))

	select {
	case <-f.emptied:
		t.Fatal("room expired despite rejoin")
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, f.room.Closed())
}

func TestRedirectUser(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	require.Nil(t, f.room.Redirect("conn-alice", "bob@example.com", "https://elsewhere.example.com"))
	require.Len(t, bob.events(protocol.EventRedirect), 1)
	assert.Equal(t, 2, f.room.ParticipantCount())
}

// --- toggles & chat ---

func TestLockRoomDedupesBroadcast(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	require.Nil(t, f.room.SetLocked("conn-alice", true))
	require.Nil(t, f.room.SetLocked("conn-alice", true))
	assert.Len(t, bob.events(protocol.EventRoomLockChanged), 1)
}

func TestTogglesAreHostOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	werr := f.room.SetLocked("conn-bob", true)
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrForbidden, werr.Code)
}

func TestChatLockAndHistory(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))
	bob := f.mustJoin(t, "conn-bob", guestClaims("bob"))

	msg, werr := f.room.SendChat("conn-alice", "hello")
	require.Nil(t, werr)
	assert.Equal(t, "hello", msg.Content)
	assert.Len(t, bob.events(protocol.EventChatMessage), 1)

	require.Nil(t, f.room.SetChatLocked("conn-alice", true))
	_, werr = f.room.SendChat("conn-bob", "blocked")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrForbidden, werr.Code)

	// Host still chats while locked.
	_, werr = f.room.SendChat("conn-alice", "still here")
	require.Nil(t, werr)

	// History is unicast to late joiners.
	carol := f.mustJoin(t, "conn-carol", guestClaims("carol"))
	require.Len(t, carol.events(protocol.EventChatHistory), 1)
}

func TestChatLengthLimit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.mustJoin(t, "conn-alice", hostClaims("alice"))

	long := make([]byte, maxChatChars+1)
	for i := range long {
		long[i] = 'a'
	}
	_, werr := f.room.SendChat("conn-alice", string(long))
	require.NotNil(t, werr)
}

func TestDisplayNamePolicy(t *testing.T) {
	f := newFixture(t, testConfig())
	hostC := hostClaims("alice")
	hostC.ClientID = "noname"
	f.mustJoin(t, "conn-alice", hostC)

	guest := guestClaims("bob")
	guest.ClientID = "noname"
	f.mustJoin(t, "conn-bob", guest)

	werr := f.room.UpdateDisplayName("conn-bob", "Bobby")
	require.NotNil(t, werr)
	assert.Equal(t, protocol.ErrDisplayNameDisabled, werr.Code)

	// Hosts always may rename.
	require.Nil(t, f.room.UpdateDisplayName("conn-alice", "Alice the Host"))
}

func TestHandRaiseBroadcastAndDedupe(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.mustJoin(t, "conn-alice", hostClaims("alice"))
	f.mustJoin(t, "conn-bob", guestClaims("bob"))

	require.Nil(t, f.room.SetHandRaised("conn-bob", true))
	require.Nil(t, f.room.SetHandRaised("conn-bob", true))
	assert.Len(t, alice.events(protocol.EventHandRaised), 1)

	// Snapshot reflects the raised hand for late joiners.
	carol := f.mustJoin(t, "conn-carol", guestClaims("carol"))
	require.Len(t, carol.events(protocol.EventHandRaisedSnapshot), 1)
}
