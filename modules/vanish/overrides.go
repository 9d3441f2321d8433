package vanish

import (
	"sync"

	"github.com/aukilabs/hagall-vanish/models"
)

// Override is a per participant flag that starts from a capability grant and
// can then be toggled.
type Override int

const (
	OverrideDamageIn Override = iota
	OverrideDamageOut
	OverrideNoHunger
	OverrideNoInteract
	OverrideNoPickup
	OverrideNoFollow
	OverrideSeeAll

	overrideCount
)

var overrideNames = [overrideCount]string{
	OverrideDamageIn:   "damagein",
	OverrideDamageOut:  "damageout",
	OverrideNoHunger:   "nohunger",
	OverrideNoInteract: "nointeract",
	OverrideNoPickup:   "nopickup",
	OverrideNoFollow:   "nofollow",
	OverrideSeeAll:     "see",
}

var overrideGrants = [overrideCount]Capability{
	OverrideDamageIn:   CapNoDamageIn,
	OverrideDamageOut:  CapNoDamageOut,
	OverrideNoHunger:   CapNoHunger,
	OverrideNoInteract: CapNoInteract,
	OverrideNoPickup:   CapNoPickup,
	OverrideNoFollow:   CapNoFollow,
	OverrideSeeAll:     CapSeeAll,
}

var overrideToggles = [overrideCount]Capability{
	OverrideDamageIn:   CapToggleDamageIn,
	OverrideDamageOut:  CapToggleDamageOut,
	OverrideNoHunger:   CapToggleNoHunger,
	OverrideNoInteract: CapToggleNoInteract,
	OverrideNoPickup:   CapToggleNoPickup,
	OverrideNoFollow:   CapToggleNoFollow,
	OverrideSeeAll:     CapToggleSee,
}

func (o Override) String() string {
	if o < 0 || o >= overrideCount {
		return "unknown"
	}
	return overrideNames[o]
}

// Grant returns the capability that gives the override its initial value.
func (o Override) Grant() Capability {
	return overrideGrants[o]
}

// ToggleCapability returns the capability required to toggle the override.
func (o Override) ToggleCapability() Capability {
	return overrideToggles[o]
}

// ParseOverride returns the override with the given name.
func ParseOverride(name string) (Override, bool) {
	for o, n := range overrideNames {
		if n == name {
			return Override(o), true
		}
	}
	return 0, false
}

type overrideRecord [overrideCount]bool

// OverrideStore keeps the overrides of the participants that had one of them
// checked. Records are keyed by participant name and are created from the
// oracle grants on first access.
type OverrideStore struct {
	oracle CapabilityOracle

	mutex   sync.Mutex
	records map[string]*overrideRecord
}

func NewOverrideStore(oracle CapabilityOracle) *OverrideStore {
	if oracle == nil {
		oracle = NoCapabilities
	}

	return &OverrideStore{
		oracle:  oracle,
		records: make(map[string]*overrideRecord),
	}
}

// Get returns the current value of the participant override.
func (s *OverrideStore) Get(p *models.Participant, o Override) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.record(p)[o]
}

// Toggle flips the participant override and returns its new value.
func (s *OverrideStore) Toggle(p *models.Participant, o Override) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r := s.record(p)
	r[o] = !r[o]
	return r[o]
}

// UserQuit discards the overrides of the participant with the given name.
func (s *OverrideStore) UserQuit(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records, name)
}

// Len returns the number of participants with an override record.
func (s *OverrideStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.records)
}

func (s *OverrideStore) record(p *models.Participant) *overrideRecord {
	if r, ok := s.records[p.Name]; ok {
		return r
	}

	var r overrideRecord
	for o := Override(0); o < overrideCount; o++ {
		r[o] = s.oracle.HasCapability(p, o.Grant())
	}
	s.records[p.Name] = &r
	return &r
}

func (s *OverrideStore) BlockIncomingDamage(p *models.Participant) bool {
	return s.Get(p, OverrideDamageIn)
}

func (s *OverrideStore) BlockOutgoingDamage(p *models.Participant) bool {
	return s.Get(p, OverrideDamageOut)
}

func (s *OverrideStore) CanNotHunger(p *models.Participant) bool {
	return s.Get(p, OverrideNoHunger)
}

func (s *OverrideStore) CanNotInteract(p *models.Participant) bool {
	return s.Get(p, OverrideNoInteract)
}

func (s *OverrideStore) CanNotPickUp(p *models.Participant) bool {
	return s.Get(p, OverrideNoPickup)
}

func (s *OverrideStore) CanNotFollow(p *models.Participant) bool {
	return s.Get(p, OverrideNoFollow)
}

func (s *OverrideStore) CanSeeAll(p *models.Participant) bool {
	return s.Get(p, OverrideSeeAll)
}
