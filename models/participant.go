package models

import (
	"sync"

	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
)

// A session participant.
type Participant struct {
	ID uint32

	// The name identifying the participant within its session. It is used as
	// the key of the per participant vanish state and must be unique in a
	// session.
	Name string

	// The name shown in announcements. Falls back to Name when empty.
	DisplayName string

	Responder hwebsocket.ResponseSender

	mutex        sync.RWMutex
	entityIDs    map[uint32]struct{}
	sleepIgnored bool
	pending      bool
}

func (p *Participant) AddEntity(e *Entity) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.entityIDs == nil {
		p.entityIDs = make(map[uint32]struct{})
	}
	p.entityIDs[e.ID] = struct{}{}
}

func (p *Participant) RemoveEntity(e *Entity) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.entityIDs, e.ID)
}

// EntityIDs returns a copy of the ids of the entities owned by the
// participant.
func (p *Participant) EntityIDs() map[uint32]struct{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	ids := make(map[uint32]struct{}, len(p.entityIDs))
	for id := range p.entityIDs {
		ids[id] = struct{}{}
	}
	return ids
}

// SleepIgnored reports whether the participant is ignored when the session
// checks that every participant is sleeping.
func (p *Participant) SleepIgnored() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.sleepIgnored
}

func (p *Participant) SetSleepIgnored(v bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.sleepIgnored = v
}

// Pending reports whether the participant was added to its session but did not
// receive the session state and was not announced to the others yet. The
// session sends no visibility change about or to a pending participant.
func (p *Participant) Pending() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.pending
}

func (p *Participant) SetPending(v bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.pending = v
}

// GetDisplayName returns the display name, or the name when no display name
// is set.
func (p *Participant) GetDisplayName() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

func (p *Participant) ToProtobuf() *hagallpb.Participant {
	return &hagallpb.Participant{
		Id: p.ID,
	}
}

func ParticipantsToProtobuf(participants []*Participant) []*hagallpb.Participant {
	res := make([]*hagallpb.Participant, len(participants))
	for i, p := range participants {
		res[i] = p.ToProtobuf()
	}
	return res
}
