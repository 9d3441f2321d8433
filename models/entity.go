package models

import (
	"math"
	"sync"

	"github.com/aukilabs/hagall-common/messages/hagallpb"
)

type Entity struct {
	ID            uint32
	ParticipantID uint32
	Persist       bool
	Flag          hagallpb.EntityFlag

	// Reports whether the entity is driven by a hostile AI that can chase
	// participants.
	Hostile bool

	mutex  sync.RWMutex
	pose   Pose
	target uint32
}

func (e *Entity) SetPose(v Pose) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.pose = v
}

func (e *Entity) Pose() Pose {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.pose
}

// Target returns the id of the participant the entity is chasing.
func (e *Entity) Target() (uint32, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.target, e.target != 0
}

func (e *Entity) SetTarget(participantID uint32) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.target = participantID
}

func (e *Entity) ClearTarget() {
	e.SetTarget(0)
}

func (e *Entity) ToProtobuf() *hagallpb.Entity {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return &hagallpb.Entity{
		Id:            e.ID,
		ParticipantId: e.ParticipantID,
		Pose:          e.pose.ToProtobuf(),
		Flag:          e.Flag,
	}
}

func EntitiesToProtobuf(entities []*Entity) []*hagallpb.Entity {
	pEntitites := make([]*hagallpb.Entity, len(entities))
	for i, e := range entities {
		pEntitites[i] = e.ToProtobuf()
	}
	return pEntitites
}

type Pose struct {
	PX float32
	PY float32
	PZ float32
	RX float32
	RY float32
	RZ float32
	RW float32
}

// DistanceTo returns the euclidean distance between the positions of two
// poses. Rotations are ignored.
func (p Pose) DistanceTo(o Pose) float32 {
	dx := float64(p.PX - o.PX)
	dy := float64(p.PY - o.PY)
	dz := float64(p.PZ - o.PZ)
	return float32(math.Sqrt(dx*dx + dy*dy + dz*dz))
}

func (p Pose) ToProtobuf() *hagallpb.Pose {
	return &hagallpb.Pose{
		Px: p.PX,
		Py: p.PY,
		Pz: p.PZ,
		Rx: p.RX,
		Ry: p.RY,
		Rz: p.RZ,
		Rw: p.RW,
	}
}
