package vanish

import "github.com/aukilabs/hagall-vanish/models"

// Capability is the name of a permission that a participant may hold.
type Capability string

const (
	CapVanish              Capability = "vanish.vanish"
	CapVanishOn            Capability = "vanish.vanish.on"
	CapVanishOff           Capability = "vanish.vanish.off"
	CapSeeAll              Capability = "vanish.see"
	CapFakeAnnounce        Capability = "vanish.fakeannounce"
	CapList                Capability = "vanish.list"
	CapReload              Capability = "vanish.reload"
	CapAdminAlerts         Capability = "vanish.adminalerts"
	CapNoTrample           Capability = "vanish.notrample"
	CapStatusUpdates       Capability = "vanish.statusupdates"
	CapPermTestSelf        Capability = "vanish.permtest.self"
	CapPermTestOther       Capability = "vanish.permtest.other"
	CapSilentQuit          Capability = "vanish.silentquit"
	CapJoinVanished        Capability = "vanish.joinvanished"
	CapJoinWithoutAnnounce Capability = "vanish.joinwithoutannounce"

	CapNoDamageIn  Capability = "vanish.nodamage.in"
	CapNoDamageOut Capability = "vanish.nodamage.out"
	CapNoHunger    Capability = "vanish.nohunger"
	CapNoInteract  Capability = "vanish.nointeract"
	CapNoPickup    Capability = "vanish.nopickup"
	CapNoFollow    Capability = "vanish.nofollow"

	CapToggleSee        Capability = "vanish.toggle.see"
	CapToggleNoFollow   Capability = "vanish.toggle.nofollow"
	CapToggleDamageIn   Capability = "vanish.toggle.damagein"
	CapToggleDamageOut  Capability = "vanish.toggle.damageout"
	CapToggleNoHunger   Capability = "vanish.toggle.nohunger"
	CapToggleNoInteract Capability = "vanish.toggle.nointeract"
	CapToggleNoPickup   Capability = "vanish.toggle.nopickup"
)

// Capabilities lists every capability known by the vanish module.
var Capabilities = []Capability{
	CapVanish,
	CapVanishOn,
	CapVanishOff,
	CapSeeAll,
	CapFakeAnnounce,
	CapList,
	CapReload,
	CapAdminAlerts,
	CapNoTrample,
	CapStatusUpdates,
	CapPermTestSelf,
	CapPermTestOther,
	CapSilentQuit,
	CapJoinVanished,
	CapJoinWithoutAnnounce,
	CapNoDamageIn,
	CapNoDamageOut,
	CapNoHunger,
	CapNoInteract,
	CapNoPickup,
	CapNoFollow,
	CapToggleSee,
	CapToggleNoFollow,
	CapToggleDamageIn,
	CapToggleDamageOut,
	CapToggleNoHunger,
	CapToggleNoInteract,
	CapToggleNoPickup,
}

// CapabilityOracle is the interface that answers whether a participant holds
// a capability.
type CapabilityOracle interface {
	HasCapability(p *models.Participant, c Capability) bool
}

// CapabilityOracleFunc is a function that implements CapabilityOracle.
type CapabilityOracleFunc func(p *models.Participant, c Capability) bool

func (f CapabilityOracleFunc) HasCapability(p *models.Participant, c Capability) bool {
	return f(p, c)
}

// NoCapabilities is an oracle that grants nothing.
var NoCapabilities CapabilityOracle = CapabilityOracleFunc(func(*models.Participant, Capability) bool {
	return false
})
