package vanish

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/hagall-vanish/models"
)

// Restoration is a request to make the target visible to the observer again.
type Restoration struct {
	Observer *models.Participant
	Target   *models.Participant
}

// RestorationBatcher delays visibility restorations by one run. Restorations
// added between two runs are applied by the second one, so a restoration
// always outlives the event that produced it for at least one full interval.
// Duplicate restorations within a generation are applied once.
type RestorationBatcher struct {
	session Session
	appKey  string

	// Held while restorations are checked and applied, so that no vanish
	// toggle lands between the check and the show. Optional.
	ApplyLock sync.Locker

	// Reports whether a restoration is still wanted when it is applied.
	wanted func(Restoration) bool

	mutex   sync.Mutex
	current map[Restoration]struct{}
	next    map[Restoration]struct{}
}

func NewRestorationBatcher(s Session, appKey string, wanted func(Restoration) bool) *RestorationBatcher {
	return &RestorationBatcher{
		session: s,
		appKey:  appKey,
		wanted:  wanted,
		current: make(map[Restoration]struct{}),
		next:    make(map[Restoration]struct{}),
	}
}

// Add queues a restoration for the run after the next one.
func (b *RestorationBatcher) Add(observer, target *models.Participant) {
	if observer == nil || target == nil || observer == target {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.next[Restoration{Observer: observer, Target: target}] = struct{}{}
}

// Pending returns the number of restorations waiting to be applied.
func (b *RestorationBatcher) Pending() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.current) + len(b.next)
}

// Run applies the current generation of restorations and rotates the
// generations. Restorations whose observer or target left the session are
// dropped. It returns the number of applied restorations.
func (b *RestorationBatcher) Run() int {
	b.mutex.Lock()
	restorations := b.current
	b.current = b.next
	b.next = make(map[Restoration]struct{})
	b.mutex.Unlock()

	if len(restorations) == 0 {
		return 0
	}

	if b.ApplyLock != nil {
		b.ApplyLock.Lock()
		defer b.ApplyLock.Unlock()
	}

	var applied, skipped int
	for r := range restorations {
		if !b.session.HasParticipant(r.Observer) || !b.session.HasParticipant(r.Target) {
			skipped++
			continue
		}

		if b.wanted != nil && !b.wanted(r) {
			skipped++
			continue
		}

		b.session.ShowParticipant(r.Observer, r.Target)
		applied++
	}

	instrumentRestorations(b.appKey, applied, skipped)
	return applied
}

// Start runs the batcher at the given interval until the context is done.
func (b *RestorationBatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			b.Run()
		}
	}
}
