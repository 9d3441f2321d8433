package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Session represents a session that contains entities and participants who can
// communicate between each other.
//
// A session also keeps which participants are hidden from which observers.
// Broadcasts from a participant skip the observers it is hidden from.
type Session struct {
	ID          uint32
	SessionUUID string

	AppKey string

	participantIDs   SequentialIDGenerator
	participantMutex sync.RWMutex
	participants     map[uint32]*Participant

	entityIDs   SequentialIDGenerator
	entityMutex sync.RWMutex
	entities    map[uint32]*Entity

	visibilityMutex sync.RWMutex
	hidden          map[uint32]map[uint32]struct{}

	moduleStates map[string]any
	moduleMutex  sync.RWMutex

	startFrameOnce  sync.Once
	closeFrameChan  chan struct{}
	frameTicker     *time.Ticker
	frameHandlerIDs SequentialIDGenerator
	frameHandlers   map[uint32]func()
	frameMutex      sync.RWMutex

	closeMutex    sync.Mutex
	closeHandlers []func()
	closeOnce     sync.Once
}

func NewSession(id uint32, frameDuration time.Duration) *Session {
	return &Session{
		ID:             id,
		SessionUUID:    uuid.New().String(),
		closeFrameChan: make(chan struct{}, 1),
		frameTicker:    time.NewTicker(frameDuration),
		participants:   make(map[uint32]*Participant),
		entities:       make(map[uint32]*Entity),
		hidden:         make(map[uint32]map[uint32]struct{}),
		moduleStates:   make(map[string]any),
		frameHandlers:  make(map[uint32]func()),
	}
}

// Close stops the frame dispatch and runs the close handlers in registration
// order. Only the first call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.frameTicker.Stop()
		s.closeFrameChan <- struct{}{}

		s.closeMutex.Lock()
		handlers := s.closeHandlers
		s.closeHandlers = nil
		s.closeMutex.Unlock()

		for _, h := range handlers {
			h()
		}
	})
}

// OnClose registers a function called when the session is closed.
func (s *Session) OnClose(h func()) {
	s.closeMutex.Lock()
	defer s.closeMutex.Unlock()

	s.closeHandlers = append(s.closeHandlers, h)
}

func (s *Session) NewParticipantID() uint32 {
	return s.participantIDs.New()
}

// AddParticipant adds the participant to the session. A participant without a
// name, or whose name is already taken, is named after its id.
func (s *Session) AddParticipant(p *Participant) {
	s.participantMutex.Lock()
	defer s.participantMutex.Unlock()

	if p.Name == "" || s.nameTaken(p) {
		p.Name = fmt.Sprintf("participant-%d", p.ID)
	}
	s.participants[p.ID] = p
}

func (s *Session) nameTaken(p *Participant) bool {
	for id, other := range s.participants {
		if id != p.ID && other.Name == p.Name {
			return true
		}
	}
	return false
}

// RemoveParticipant removes the participant and forgets what it was hiding as
// an observer. What is hidden from others about the participant is kept so
// that its leave can still be filtered; owners of that state clean it up with
// ShowParticipant.
func (s *Session) RemoveParticipant(p *Participant) {
	s.participantMutex.Lock()
	delete(s.participants, p.ID)
	s.participantMutex.Unlock()

	s.visibilityMutex.Lock()
	defer s.visibilityMutex.Unlock()

	instrumentHiddenPairs(s.AppKey, -len(s.hidden[p.ID]))
	delete(s.hidden, p.ID)
}

func (s *Session) GetParticipants() []*Participant {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	participants := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, p)
	}
	return participants
}

// GetParticipantsSeenBy returns the participants that the observer can see,
// the observer included.
func (s *Session) GetParticipantsSeenBy(observer *Participant) []*Participant {
	participants := s.GetParticipants()

	visible := participants[:0]
	for _, p := range participants {
		if s.CanSee(observer, p) {
			visible = append(visible, p)
		}
	}
	return visible
}

func (s *Session) GetParticipantsByIDs(ids ...uint32) []*Participant {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	participants := make([]*Participant, 0, len(ids))
	for _, id := range ids {
		p, ok := s.participants[id]
		if ok {
			participants = append(participants, p)
		}
	}
	return participants
}

// ParticipantByName returns the connected participant with the exact given
// name.
func (s *Session) ParticipantByName(name string) (*Participant, bool) {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	for _, p := range s.participants {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// HasParticipant reports whether the participant is still connected to the
// session.
func (s *Session) HasParticipant(p *Participant) bool {
	if p == nil {
		return false
	}

	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	return s.participants[p.ID] == p
}

func (s *Session) ParticipantCount() int {
	s.participantMutex.RLock()
	defer s.participantMutex.RUnlock()

	return len(s.participants)
}

// CanSee reports whether the observer perceives the target. A participant
// always sees itself.
func (s *Session) CanSee(observer, target *Participant) bool {
	if observer == nil || target == nil {
		return true
	}
	return !s.isHidden(observer.ID, target.ID)
}

func (s *Session) isHidden(observerID, targetID uint32) bool {
	if observerID == targetID {
		return false
	}

	s.visibilityMutex.RLock()
	defer s.visibilityMutex.RUnlock()

	_, hidden := s.hidden[observerID][targetID]
	return hidden
}

// HideParticipant hides the target from the observer. The observer receives
// a participant leave broadcast of the target when none of them is pending.
// Hiding an already hidden participant, or hiding from an observer that is not
// in the session, does nothing.
func (s *Session) HideParticipant(observer, target *Participant) {
	if observer == nil || target == nil || observer.ID == target.ID || !s.HasParticipant(observer) {
		return
	}

	s.visibilityMutex.Lock()
	targets, ok := s.hidden[observer.ID]
	if !ok {
		targets = make(map[uint32]struct{})
		s.hidden[observer.ID] = targets
	}
	_, alreadyHidden := targets[target.ID]
	targets[target.ID] = struct{}{}
	s.visibilityMutex.Unlock()

	if alreadyHidden {
		return
	}
	instrumentHiddenPairs(s.AppKey, 1)

	if observer.Pending() || target.Pending() {
		return
	}

	now := timestamppb.Now()
	observer.Responder.Send(&hagallpb.ParticipantLeaveBroadcast{
		Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_LEAVE_BROADCAST,
		Timestamp:       now,
		OriginTimestamp: now,
		ParticipantId:   target.ID,
	})
}

// ShowParticipant shows the target to the observer. When both are connected
// and not pending, the observer receives a participant join broadcast of the
// target. Showing a participant that is not hidden does nothing.
func (s *Session) ShowParticipant(observer, target *Participant) {
	if observer == nil || target == nil || observer.ID == target.ID {
		return
	}

	s.visibilityMutex.Lock()
	_, hidden := s.hidden[observer.ID][target.ID]
	if hidden {
		delete(s.hidden[observer.ID], target.ID)
		if len(s.hidden[observer.ID]) == 0 {
			delete(s.hidden, observer.ID)
		}
	}
	s.visibilityMutex.Unlock()

	if !hidden {
		return
	}
	instrumentHiddenPairs(s.AppKey, -1)

	if !s.HasParticipant(observer) || !s.HasParticipant(target) || observer.Pending() || target.Pending() {
		return
	}

	now := timestamppb.Now()
	observer.Responder.Send(&hagallpb.ParticipantJoinBroadcast{
		Type:            hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_BROADCAST,
		Timestamp:       now,
		OriginTimestamp: now,
		ParticipantId:   target.ID,
	})
}

// HiddenPairCount returns the number of (observer, target) pairs where the
// target is hidden from the observer.
func (s *Session) HiddenPairCount() int {
	s.visibilityMutex.RLock()
	defer s.visibilityMutex.RUnlock()

	var count int
	for _, targets := range s.hidden {
		count += len(targets)
	}
	return count
}

func (s *Session) NewEntityID() uint32 {
	return s.entityIDs.New()
}

func (s *Session) AddEntity(e *Entity) {
	s.entityMutex.Lock()
	defer s.entityMutex.Unlock()

	s.entities[e.ID] = e
}

func (s *Session) RemoveEntity(e *Entity) {
	s.entityMutex.Lock()
	defer s.entityMutex.Unlock()

	delete(s.entities, e.ID)
}

func (s *Session) EntityByID(id uint32) (*Entity, bool) {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	e, ok := s.entities[id]
	return e, ok
}

func (s *Session) Entities() []*Entity {
	s.entityMutex.RLock()
	defer s.entityMutex.RUnlock()

	entities := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	return entities
}

// EntitiesSeenBy returns the entities whose owner the observer can see.
func (s *Session) EntitiesSeenBy(observer *Participant) []*Entity {
	entities := s.Entities()

	visible := entities[:0]
	for _, e := range entities {
		if observer == nil || !s.isHidden(observer.ID, e.ParticipantID) {
			visible = append(visible, e)
		}
	}
	return visible
}

// Broadcast sends a message to all the participants except the sender and the
// participants the sender is hidden from.
func (s *Session) Broadcast(sender *Participant, protoMsg hwebsocket.ProtoMsg) {
	msg, err := hwebsocket.MsgFromProto(protoMsg)
	if err != nil {
		logs.WithTag("message", protoMsg).Debug(err)
		return
	}

	for _, p := range s.GetParticipants() {
		if p == sender || !s.CanSee(p, sender) {
			continue
		}
		p.Responder.SendMsg(msg)
	}
}

func (s *Session) BroadcastTo(sender *Participant, protoMsg hwebsocket.ProtoMsg, participantIds ...uint32) {
	participants := s.GetParticipantsByIDs(participantIds...)
	isParticipantHandled := make(map[uint32]struct{}, len(participantIds))

	msg, err := hwebsocket.MsgFromProto(protoMsg)
	if err != nil {
		logs.WithTag("message", protoMsg).Debug(err)
		return
	}

	for _, p := range participants {
		if p == sender || !s.CanSee(p, sender) {
			continue
		}

		if _, ok := isParticipantHandled[p.ID]; ok {
			continue
		}
		isParticipantHandled[p.ID] = struct{}{}

		p.Responder.SendMsg(msg)
	}
}

func (s *Session) SetModuleState(moduleName string, state any) {
	s.moduleMutex.Lock()
	defer s.moduleMutex.Unlock()

	s.moduleStates[moduleName] = state
}

func (s *Session) ModuleState(moduleName string) (any, bool) {
	s.moduleMutex.RLock()
	defer s.moduleMutex.RUnlock()

	state, ok := s.moduleStates[moduleName]
	return state, ok
}

// LoadOrStoreModuleState returns the state of the module. When the module has
// no state yet, the one returned by newState is stored and returned. loaded
// reports whether the state already existed.
func (s *Session) LoadOrStoreModuleState(moduleName string, newState func() any) (state any, loaded bool) {
	s.moduleMutex.Lock()
	defer s.moduleMutex.Unlock()

	if state, ok := s.moduleStates[moduleName]; ok {
		return state, true
	}

	state = newState()
	s.moduleStates[moduleName] = state
	return state, false
}

func (s *Session) HandleFrame(h func()) (cancel func()) {
	s.frameMutex.Lock()
	defer s.frameMutex.Unlock()

	id := s.frameHandlerIDs.New()
	s.frameHandlers[id] = h

	return func() {
		s.frameMutex.Lock()
		defer s.frameMutex.Unlock()

		delete(s.frameHandlers, id)
		s.frameHandlerIDs.Reuse(id)
	}
}

func (s *Session) StartDispatchFrames() {
	s.startFrameOnce.Do(func() {
		for {
			select {
			case <-s.closeFrameChan:
				return

			case <-s.frameTicker.C:
				s.frameMutex.RLock()
				for _, h := range s.frameHandlers {
					h()
				}
				s.frameMutex.RUnlock()
			}
		}
	})
}

type SessionStore struct {
	// The session discovery service where sessions are registered.
	DiscoveryService SessionDiscoveryService

	initOnce sync.Once
	mutex    sync.RWMutex
	sessions map[string]*Session
	ids      SequentialIDGenerator
}

func (s *SessionStore) init() {
	s.sessions = map[string]*Session{}

	if s.DiscoveryService == nil {
		s.DiscoveryService = defaultSessionDiscoveryService{}
	}
}

func (s *SessionStore) NewID() uint32 {
	return s.ids.New()
}

func (s *SessionStore) Add(ctx context.Context, session *Session) error {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sessions[s.GlobalSessionID(session.ID)] = session

	instrumentIncreaseSessionGauge(session.AppKey)
	instrumentCountSession(session.AppKey)
	return nil
}

func (s *SessionStore) Remove(ctx context.Context, session *Session) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.sessions[s.GlobalSessionID(session.ID)]; !ok {
		return
	}

	delete(s.sessions, s.GlobalSessionID(session.ID))
	session.Close()

	s.ids.Reuse(session.ID)

	instrumentDecreaseSessionGauge(session.AppKey)
}

func (s *SessionStore) GetByGlobalID(v string) (*Session, bool) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	session, ok := s.sessions[v]
	return session, ok
}

// CloseAll removes and closes every session, which runs their close handlers.
// It is called when the server stops.
func (s *SessionStore) CloseAll(ctx context.Context) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mutex.RUnlock()

	for _, session := range sessions {
		s.Remove(ctx, session)
	}
}

func (s *SessionStore) GlobalSessionID(sessionID uint32) string {
	return fmt.Sprintf("%sx%x", s.DiscoveryService.ServerID(), sessionID)
}

// SessionDiscoveryService is the interface to communicate with a session discovery
// service such as HDS.
type SessionDiscoveryService interface {
	// Returns the id attributed to the current Hagall server.
	ServerID() string
}

type defaultSessionDiscoveryService struct{}

func (s defaultSessionDiscoveryService) ServerID() string {
	return "ted"
}
