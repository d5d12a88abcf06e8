package session

import (
	"context"
	"encoding/json"

	"github.com/openmeet-labs/signaling/internal/v1/protocol"
	"github.com/openmeet-labs/signaling/internal/v1/room"
)

// handlerFunc processes one request payload and returns the ack body.
type handlerFunc func(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error)

var handlers = map[string]handlerFunc{
	protocol.RequestJoinRoom:                 handleJoinRoom,
	protocol.RequestLeaveRoom:                handleLeaveRoom,
	protocol.RequestGetRooms:                 handleGetRooms,
	protocol.RequestCreateProducerTransport:  handleCreateProducerTransport,
	protocol.RequestCreateConsumerTransport:  handleCreateConsumerTransport,
	protocol.RequestConnectProducerTransport: handleConnectTransport,
	protocol.RequestConnectConsumerTransport: handleConnectTransport,
	protocol.RequestRestartIce:               handleRestartIce,
	protocol.RequestProduce:                  handleProduce,
	protocol.RequestConsume:                  handleConsume,
	protocol.RequestResumeConsumer:           handleResumeConsumer,
	protocol.RequestToggleMute:               handleToggleMute,
	protocol.RequestToggleCamera:             handleToggleCamera,
	protocol.RequestCloseProducer:            handleCloseProducer,
	protocol.RequestSetHandRaised:            handleSetHandRaised,
	protocol.RequestSendChat:                 handleSendChat,
	protocol.RequestSendReaction:             handleSendReaction,
	protocol.RequestUpdateDisplayName:        handleUpdateDisplayName,
	protocol.RequestLockRoom:                 flagHandler((*room.Room).SetLocked),
	protocol.RequestSetNoGuests:              flagHandler((*room.Room).SetNoGuests),
	protocol.RequestLockChat:                 flagHandler((*room.Room).SetChatLocked),
	protocol.RequestSetTtsDisabled:           flagHandler((*room.Room).SetTtsDisabled),
	protocol.RequestSetVideoQuality:          handleSetVideoQuality,
	protocol.RequestAdmitUser:                handleAdmitUser,
	protocol.RequestRejectUser:               handleRejectUser,
	protocol.RequestKickUser:                 handleKickUser,
	protocol.RequestRedirectUser:             handleRedirectUser,
	protocol.RequestCloseRemoteProducer:      handleCloseRemoteProducer,
	protocol.RequestGetProducers:             handleGetProducers,
	protocol.RequestMeetingGetConfig:         handleMeetingGetConfig,
	protocol.RequestMeetingUpdateConfig:      handleMeetingUpdateConfig,
	protocol.RequestWebinarGetConfig:         handleWebinarGetConfig,
	protocol.RequestWebinarUpdateConfig:      handleWebinarUpdateConfig,
	protocol.RequestWebinarGenerateLink:      handleWebinarGenerateLink,
	protocol.RequestWebinarRotateLink:        handleWebinarRotateLink,
	protocol.RequestAppsOpen:                 handleAppsOpen,
	protocol.RequestAppsClose:                handleAppsClose,
	protocol.RequestAppsLock:                 handleAppsLock,
	protocol.RequestAppsSync:                 handleAppsSync,
	protocol.RequestAppsUpdate:               handleAppsUpdate,
	protocol.RequestAppsAwareness:            handleAppsAwareness,
}

// decode unmarshals a request payload, tolerating an absent body for
// requests whose fields are all optional.
func decode[T any](raw json.RawMessage) (*T, *protocol.Error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, protocol.NewError(protocol.ErrBadRequest, "malformed payload: %v", err)
		}
	}
	return &v, nil
}

func ok() *protocol.SuccessResponse { return &protocol.SuccessResponse{Success: true} }

// --- admission & lifecycle ---

func handleJoinRoom(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.JoinRoomRequest](raw)
	if werr != nil {
		return nil, werr
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = s.defaultRoomID
	}
	if roomID == "" {
		return nil, protocol.NewError(protocol.ErrBadRequest, "roomId is required")
	}
	// Drain wins over every other join outcome so clients can tell a
	// restarting server apart from their own mistakes.
	if s.hub.isDraining() {
		return nil, protocol.NewError(protocol.ErrServerDraining, "server is draining")
	}
	if cur, state := s.currentRoom(); cur != nil && state != stateIdle && cur.ID != roomID {
		return nil, protocol.NewError(protocol.ErrBadRequest, "already joined to room %s", cur.ID)
	}

	rm, werr := s.hub.roomForJoin(roomID)
	if werr != nil {
		return nil, werr
	}

	sessionID := s.sessionID
	if sessionID == "" {
		sessionID = req.SessionID
	}
	resp, werr := rm.Join(ctx, &room.JoinRequest{
		ConnectionID:      s.connectionID,
		SessionID:         sessionID,
		Claims:            s.claims,
		DisplayName:       req.DisplayName,
		IsGhost:           req.Ghost,
		MeetingInviteCode: req.MeetingInviteCode,
		WebinarInviteCode: req.WebinarInviteCode,
		Subscriber:        s.client,
	})
	if werr != nil {
		s.hub.reapIfIdle(roomID)
		return nil, werr
	}

	switch resp.Status {
	case protocol.JoinStatusWaiting:
		s.setRoom(rm, stateWaiting)
	default:
		s.setRoom(rm, stateJoined)
		s.hub.registerActive(s)
	}
	s.hub.roomChanged(rm)
	return resp, nil
}

func handleLeaveRoom(ctx context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	if rm := s.takeRoom(); rm != nil {
		s.hub.unregisterActive(s)
		rm.Leave(ctx, s.connectionID)
		s.hub.roomChanged(rm)
	}
	return ok(), nil
}

func handleGetRooms(ctx context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	return s.hub.RoomSummaries(s.claims.Host(ctx)), nil
}

// --- transports & media ---

func handleCreateProducerTransport(ctx context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	t, werr := rm.CreateProducerTransport(ctx, s.connectionID)
	if werr != nil {
		return nil, werr
	}
	return &protocol.TransportInfo{
		ID:             t.ID,
		IceParameters:  t.IceParameters,
		IceCandidates:  t.IceCandidates,
		DtlsParameters: t.DtlsParameters,
	}, nil
}

func handleCreateConsumerTransport(ctx context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	t, werr := rm.CreateConsumerTransport(ctx, s.connectionID)
	if werr != nil {
		return nil, werr
	}
	return &protocol.TransportInfo{
		ID:             t.ID,
		IceParameters:  t.IceParameters,
		IceCandidates:  t.IceCandidates,
		DtlsParameters: t.DtlsParameters,
	}, nil
}

func handleConnectTransport(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ConnectTransportRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.ConnectTransport(ctx, s.connectionID, req.TransportID, req.DtlsParameters); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleRestartIce(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.RestartIceRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	iceParameters, werr := rm.RestartIce(ctx, s.connectionID, req.Transport)
	if werr != nil {
		return nil, werr
	}
	return &protocol.RestartIceResponse{IceParameters: iceParameters}, nil
}

func handleProduce(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ProduceRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	producerID, werr := rm.Produce(ctx, s.connectionID, req)
	if werr != nil {
		return nil, werr
	}
	return &protocol.ProduceResponse{ProducerID: producerID}, nil
}

func handleConsume(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ConsumeRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	consumer, werr := rm.Consume(ctx, s.connectionID, req)
	if werr != nil {
		return nil, werr
	}
	return &protocol.ConsumeResponse{
		ID:            consumer.ID,
		ProducerID:    consumer.ProducerID,
		Kind:          protocol.MediaKind(consumer.Kind),
		RtpParameters: consumer.RtpParameters,
	}, nil
}

func handleResumeConsumer(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ResumeConsumerRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.ResumeConsumer(ctx, s.connectionID, req.ConsumerID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleToggleMute(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ToggleRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.ToggleMute(ctx, s.connectionID, req.Paused); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleToggleCamera(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.ToggleRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.ToggleCamera(ctx, s.connectionID, req.Paused); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleCloseProducer(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.CloseProducerRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.CloseProducer(ctx, s.connectionID, req.ProducerID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleGetProducers(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	producers, werr := rm.Producers(s.connectionID)
	if werr != nil {
		return nil, werr
	}
	return producers, nil
}

// --- room interaction ---

func handleSetHandRaised(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.SetHandRaisedRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.SetHandRaised(s.connectionID, req.Raised); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleSendChat(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.SendChatRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	msg, werr := rm.SendChat(s.connectionID, req.Content)
	if werr != nil {
		return nil, werr
	}
	return &protocol.SendChatResponse{Success: true, Message: *msg}, nil
}

func handleSendReaction(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.SendReactionRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.SendReaction(s.connectionID, req.Emoji); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleUpdateDisplayName(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.UpdateDisplayNameRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.UpdateDisplayName(s.connectionID, req.DisplayName); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

// flagHandler adapts the host-only boolean toggles, which share a payload
// shape and differ only in the Room method.
func flagHandler(set func(*room.Room, string, bool) *protocol.Error) handlerFunc {
	return func(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
		req, werr := decode[protocol.FlagRequest](raw)
		if werr != nil {
			return nil, werr
		}
		rm, werr := s.joinedRoom()
		if werr != nil {
			return nil, werr
		}
		if werr := set(rm, s.connectionID, req.Flag); werr != nil {
			return nil, werr
		}
		return ok(), nil
	}
}

func handleSetVideoQuality(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.SetVideoQualityRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.SetVideoQuality(s.connectionID, req.Quality); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

// --- host actions ---

func handleAdmitUser(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.TargetUserRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.AdmitUser(s.connectionID, req.UserID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleRejectUser(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.TargetUserRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.RejectUser(s.connectionID, req.UserID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleKickUser(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.TargetUserRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.Kick(ctx, s.connectionID, req.UserID); werr != nil {
		return nil, werr
	}
	s.hub.roomChanged(rm)
	return ok(), nil
}

func handleRedirectUser(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.TargetUserRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.Redirect(s.connectionID, req.UserID, req.URL); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleCloseRemoteProducer(ctx context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.TargetUserRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.CloseRemoteProducer(ctx, s.connectionID, req.ProducerID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

// --- meeting & webinar configuration ---

func handleMeetingGetConfig(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.MeetingConfig(s.connectionID)
}

func handleMeetingUpdateConfig(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.MeetingUpdateRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.UpdateMeetingConfig(s.connectionID, req)
}

func handleWebinarGetConfig(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.WebinarConfig(s.connectionID)
}

func handleWebinarUpdateConfig(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.WebinarUpdateRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.UpdateWebinarConfig(s.connectionID, req)
}

func handleWebinarGenerateLink(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.GenerateWebinarLink(s.connectionID)
}

func handleWebinarRotateLink(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.RotateWebinarLink(s.connectionID)
}

// --- shared apps ---

func handleAppsOpen(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.AppRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.OpenApp(s.connectionID, req.AppID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleAppsClose(_ context.Context, s *Session, _ json.RawMessage) (any, *protocol.Error) {
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.CloseApp(s.connectionID); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleAppsLock(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.FlagRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.SetAppsLocked(s.connectionID, req.Flag); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleAppsSync(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.AppRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	return rm.SyncApp(s.connectionID, req.AppID, req.Data)
}

func handleAppsUpdate(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.AppRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.ApplyAppUpdate(s.connectionID, req.AppID, req.Data); werr != nil {
		return nil, werr
	}
	return ok(), nil
}

func handleAppsAwareness(_ context.Context, s *Session, raw json.RawMessage) (any, *protocol.Error) {
	req, werr := decode[protocol.AppRequest](raw)
	if werr != nil {
		return nil, werr
	}
	rm, werr := s.joinedRoom()
	if werr != nil {
		return nil, werr
	}
	if werr := rm.SetAppAwareness(s.connectionID, req.AppID, req.Data); werr != nil {
		return nil, werr
	}
	return ok(), nil
}
