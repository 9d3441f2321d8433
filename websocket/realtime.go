package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules"
	"golang.org/x/net/websocket"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const customMessageMaxSize = 10240

// RealtimeHandler represents a service that manages multiple client connections
// and relays their actions in realtime.
//
// What a participant receives about the others goes through the session
// visibility: participants hidden from it are left out of its session state
// and their broadcasts are not relayed to it.
type RealtimeHandler struct {
	// The interval between each sync clock message sent to the connected
	// client.
	ClientSyncClockInterval time.Duration

	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The duration of a frame.
	FrameDuration time.Duration

	// The store that contains all the server sessions.
	Sessions *models.SessionStore

	// The module that expand Hagall features.
	Modules []modules.Module

	FeatureFlags featureflag.FeatureFlag

	conn               *websocket.Conn
	currentSession     *models.Session
	currentParticipant *models.Participant

	stopFrameHandling func()

	clientID string
	appKey   string
}

func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	req := conn.Request()
	h.clientID = req.Header.Get(httpcmn.HeaderPosemeshClientID)
	h.appKey = httpcmn.GetAppKeyFromHagallUserToken(httpcmn.GetUserTokenFromHTTPRequest(req))

	h.conn = conn
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.Request
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	respond.Send(&hagallpb.Response{
		Type:      hagallpb.MsgType_MSG_TYPE_PING_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: req.RequestId,
	})
	return nil
}

func (h *RealtimeHandler) HandleParticipantJoin(ctx context.Context, handleFrame func(), respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.ParticipantJoinRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	if h.currentSession != nil && h.Sessions.GlobalSessionID(h.currentSession.ID) == req.SessionId {
		sendError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_SESSION_ALREADY_JOINED)
		return nil
	}

	if h.currentParticipant != nil {
		h.leaveSession()
	}

	session, code, ok := h.sessionToJoin(ctx, req.SessionId)
	if !ok {
		sendError(respond, req.RequestId, code)
		return nil
	}

	participant := h.addPendingParticipant(session, respond)
	h.stopFrameHandling = session.HandleFrame(handleFrame)

	respond.Send(&hagallpb.ParticipantJoinResponse{
		Type:          hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_RESPONSE,
		Timestamp:     timestamppb.Now(),
		RequestId:     req.RequestId,
		SessionId:     h.Sessions.GlobalSessionID(session.ID),
		SessionUuid:   session.SessionUUID,
		ParticipantId: participant.ID,
	})

	h.currentSession = session
	h.currentParticipant = participant

	// Modules decide what the participant sees and who sees it before
	// anything about it leaves the server.
	for _, m := range h.Modules {
		m.Init(session, participant)
	}
	participant.SetPending(false)

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableSessionState, func() {
		sendSessionState(respond, session, participant)
	})

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableParticipantJoinBroadcast, func() {
		session.Broadcast(participant, &hagallpb.ParticipantJoinBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_BROADCAST,
			Timestamp:       timestamppb.Now(),
			OriginTimestamp: req.Timestamp,
			ParticipantId:   participant.ID,
		})
	})

	return nil
}

// sessionToJoin returns the session with the given global id, or a new
// session when the id is empty. The error code to respond with is returned
// when the session can't be joined.
func (h *RealtimeHandler) sessionToJoin(ctx context.Context, globalID string) (*models.Session, hagallpb.ErrorCode, bool) {
	if session, ok := h.Sessions.GetByGlobalID(globalID); ok {
		return session, 0, true
	}
	if globalID != "" {
		return nil, hagallpb.ErrorCode_ERROR_CODE_NOT_FOUND, false
	}

	session := models.NewSession(h.Sessions.NewID(), h.FrameDuration)
	session.AppKey = h.appKey
	if err := h.Sessions.Add(ctx, session); err != nil {
		return nil, hagallpb.ErrorCode_ERROR_CODE_INTERNAL_SERVER_ERROR, false
	}

	go session.StartDispatchFrames()
	return session, 0, true
}

// addPendingParticipant adds a participant named after the client id to the
// session. Show and hide broadcasts about it are not sent while it is
// pending.
func (h *RealtimeHandler) addPendingParticipant(session *models.Session, respond hwebsocket.ResponseSender) *models.Participant {
	participant := &models.Participant{
		ID:        session.NewParticipantID(),
		Name:      h.clientID,
		Responder: respond,
	}
	participant.SetPending(true)

	session.AddParticipant(participant)
	return participant
}

// sendSessionState sends the participants and entities the participant can
// see.
func sendSessionState(respond hwebsocket.ResponseSender, session *models.Session, participant *models.Participant) {
	respond.Send(&hagallpb.SessionState{
		Type:         hagallpb.MsgType_MSG_TYPE_SESSION_STATE,
		Timestamp:    timestamppb.Now(),
		Participants: models.ParticipantsToProtobuf(session.GetParticipantsSeenBy(participant)),
		Entities:     models.EntitiesToProtobuf(session.EntitiesSeenBy(participant)),
	})
}

func (h *RealtimeHandler) HandleDisconnect(_ error) {
	if h.currentParticipant != nil {
		h.leaveSession()
	}
}

func (h *RealtimeHandler) HandleEntityAdd(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.EntityAddRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	participant, session, err := h.joined(msg)
	if err != nil {
		return err
	}

	entity := &models.Entity{
		ID:            session.NewEntityID(),
		ParticipantID: participant.ID,
		Persist:       req.Persist,
		Flag:          req.Flag,
	}

	if req.Pose != nil {
		entity.SetPose(poseFromProtobuf(req.Pose))
	}

	session.AddEntity(entity)
	participant.AddEntity(entity)

	now := timestamppb.Now()

	respond.Send(&hagallpb.EntityAddResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_RESPONSE,
		Timestamp: now,
		RequestId: req.RequestId,
		EntityId:  entity.ID,
	})

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityAddBroadcast, func() {
		session.Broadcast(participant, &hagallpb.EntityAddBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_BROADCAST,
			Timestamp:       now,
			OriginTimestamp: req.Timestamp,
			Entity:          entity.ToProtobuf(),
		})
	})

	return nil
}

func (h *RealtimeHandler) HandleEntityDelete(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var req hagallpb.EntityDeleteRequest
	if err := msg.DataTo(&req); err != nil {
		return err
	}

	participant, session, err := h.joined(msg)
	if err != nil {
		return err
	}

	entity, ok := session.EntityByID(req.EntityId)
	if !ok {
		sendError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_NOT_FOUND)
		return nil
	}

	if entity.ParticipantID != participant.ID {
		sendError(respond, req.RequestId, hagallpb.ErrorCode_ERROR_CODE_UNAUTHORIZED)
		return nil
	}

	now := timestamppb.Now()

	session.RemoveEntity(entity)
	participant.RemoveEntity(entity)

	respond.Send(&hagallpb.EntityDeleteResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_RESPONSE,
		Timestamp: now,
		RequestId: req.RequestId,
	})

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityDeleteBroadcast, func() {
		session.Broadcast(participant, &hagallpb.EntityDeleteBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_BROADCAST,
			Timestamp:       now,
			OriginTimestamp: req.Timestamp,
			EntityId:        entity.ID,
		})
	})

	return nil
}

func (h *RealtimeHandler) HandleEntityUpdatePose(ctx context.Context, msg hwebsocket.Msg) error {
	var update hagallpb.EntityUpdatePose
	if err := msg.DataTo(&update); err != nil {
		return err
	}

	participant, session, err := h.joined(msg)
	if err != nil {
		return err
	}

	entity, ok := session.EntityByID(update.EntityId)
	if !ok || entity.ParticipantID != participant.ID || update.Pose == nil {
		return nil
	}

	entity.SetPose(poseFromProtobuf(update.Pose))

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityUpdatePoseBroadcast, func() {
		session.Broadcast(participant, &hagallpb.EntityUpdatePoseBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_UPDATE_POSE_BROADCAST,
			Timestamp:       timestamppb.Now(),
			OriginTimestamp: update.Timestamp,
			EntityId:        entity.ID,
			Pose:            entity.Pose().ToProtobuf(),
		})
	})

	return nil
}

// HandleCustomMessage relays a custom message to the session participants.
// Channel messages are addressed to the server modules and are not relayed.
func (h *RealtimeHandler) HandleCustomMessage(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	var customMessage hagallpb.CustomMessage
	if err := msg.DataTo(&customMessage); err != nil {
		return err
	}

	participant, session, err := h.joined(msg)
	if err != nil {
		return err
	}

	if len(customMessage.Body) > customMessageMaxSize {
		sendError(respond, 0, hagallpb.ErrorCode_ERROR_CODE_TOO_LARGE)
		return nil
	}

	if channel.IsMessage(customMessage.Body) {
		return nil
	}

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableCustomMessageBroadcast, func() {
		customMessageBroadcast := hagallpb.CustomMessageBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_CUSTOM_MESSAGE_BROADCAST,
			Timestamp:       timestamppb.Now(),
			OriginTimestamp: customMessage.Timestamp,
			ParticipantId:   participant.ID,
			Body:            customMessage.Body,
		}

		if len(customMessage.ParticipantIds) != 0 {
			session.BroadcastTo(participant, &customMessageBroadcast, customMessage.ParticipantIds...)
			return
		}

		session.Broadcast(participant, &customMessageBroadcast)
	})
	return nil
}

func (h *RealtimeHandler) HandleWithModule(ctx context.Context, m modules.Module, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	if h.CurrentParticipant() == nil || h.CurrentSession() == nil {
		return nil
	}

	err := m.HandleMsg(ctx, respond, msg)
	if errors.IsType(err, hwebsocket.ErrTypeMsgSkip) {
		return nil
	}
	if err != nil {
		return errors.New("handling message with module failed").
			WithTag("module", m.Name()).
			Wrap(err)
	}
	return nil
}

func (h *RealtimeHandler) SendSyncClock(ctx context.Context, respond hwebsocket.ResponseSender) error {
	respond.Send(&hagallpb.SyncClock{
		Type:      hagallpb.MsgType_MSG_TYPE_SYNC_CLOCK,
		Timestamp: timestamppb.Now(),
	})
	return nil
}

func (h *RealtimeHandler) Receiver() hwebsocket.Receiver {
	return func() (hwebsocket.Msg, int, error) {
		return hwebsocket.Receive(h.conn)
	}
}

func (h *RealtimeHandler) Sender() hwebsocket.Sender {
	return func(msg hwebsocket.Msg) (int, error) {
		return hwebsocket.Send(h.conn, msg)
	}
}

func (h *RealtimeHandler) Close() {
}

func (h *RealtimeHandler) SyncClockInterval() time.Duration {
	return h.ClientSyncClockInterval
}

func (h *RealtimeHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *RealtimeHandler) GetSessions() *models.SessionStore {
	return h.Sessions
}

func (h *RealtimeHandler) GetModules() []modules.Module {
	return h.Modules
}

func (h *RealtimeHandler) CurrentSession() *models.Session {
	return h.currentSession
}

func (h *RealtimeHandler) CurrentParticipant() *models.Participant {
	return h.currentParticipant
}

func (h *RealtimeHandler) GetClientID() string {
	return h.clientID
}

func (h *RealtimeHandler) joined(msg hwebsocket.Msg) (*models.Participant, *models.Session, error) {
	participant := h.currentParticipant
	session := h.currentSession
	if participant == nil || session == nil {
		return nil, nil, errors.New("session not joined").
			WithType(hwebsocket.ErrTypeSessionNotJoined).
			WithTag("msg_type", msg.Type)
	}
	return participant, session, nil
}

// leaveSession removes the current participant from its session. Modules are
// notified once the participant left so that the leave broadcast is still
// filtered with the visibility they maintain.
func (h *RealtimeHandler) leaveSession() {
	session := h.currentSession
	participant := h.currentParticipant

	if participant == nil || session == nil {
		return
	}

	h.deleteVolatileEntities(session, participant)

	if h.stopFrameHandling != nil {
		h.stopFrameHandling()
	}
	session.RemoveParticipant(participant)

	h.FeatureFlags.IfNotSet(featureflag.FlagDisableParticipantLeaveBroadcast, func() {
		now := timestamppb.Now()
		session.Broadcast(participant, &hagallpb.ParticipantLeaveBroadcast{
			Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_LEAVE_BROADCAST,
			Timestamp:       now,
			OriginTimestamp: now,
			ParticipantId:   participant.ID,
		})
	})

	for _, m := range h.Modules {
		m.HandleDisconnect()
	}

	if session.ParticipantCount() == 0 {
		// Here we use a context.Background to ensure the session to be deleted
		// on the session discovery service (eg HDS).
		h.Sessions.Remove(context.Background(), session)
		session.Close()
	}

	h.currentParticipant = nil
	h.currentSession = nil
}

// deleteVolatileEntities removes the entities of the participant that don't
// persist after it left.
func (h *RealtimeHandler) deleteVolatileEntities(session *models.Session, participant *models.Participant) {
	now := timestamppb.Now()

	for id := range participant.EntityIDs() {
		entity, ok := session.EntityByID(id)
		if !ok || entity.Persist {
			continue
		}

		session.RemoveEntity(entity)
		participant.RemoveEntity(entity)

		h.FeatureFlags.IfNotSet(featureflag.FlagDisableEntityDeleteBroadcast, func() {
			session.Broadcast(participant, &hagallpb.EntityDeleteBroadcast{
				Type:            hagallpb.MsgType_MSG_TYPE_ENTITY_DELETE_BROADCAST,
				Timestamp:       now,
				OriginTimestamp: now,
				EntityId:        entity.ID,
			})
		})
	}
}

func sendError(respond hwebsocket.ResponseSender, requestID uint32, code hagallpb.ErrorCode) {
	respond.Send(&hagallpb.ErrorResponse{
		Type:      hagallpb.MsgType_MSG_TYPE_ERROR_RESPONSE,
		Timestamp: timestamppb.Now(),
		RequestId: requestID,
		Code:      code,
	})
}

func poseFromProtobuf(p *hagallpb.Pose) models.Pose {
	return models.Pose{
		PX: p.Px,
		PY: p.Py,
		PZ: p.Pz,
		RX: p.Rx,
		RY: p.Ry,
		RZ: p.Rz,
		RW: p.Rw,
	}
}
