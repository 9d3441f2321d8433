package vanish

import (
	"context"
	"fmt"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	hlogs "github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
)

// Reloader is the interface of a capability source that can be reloaded.
type Reloader interface {
	// Reloads the capabilities.
	Reload() error

	// Registers a function called after each successful reload.
	OnReload(func()) (cancel func())
}

// Module is the Hagall module that lets participants vanish. A vanish
// manager is shared by all the participants of a session.
type Module struct {
	Settings     Settings
	Oracle       CapabilityOracle
	FeatureFlags featureflag.FeatureFlag

	// The source of the capabilities, reloaded by the reload command. Optional.
	Reloader Reloader

	currentSession     *models.Session
	currentParticipant *models.Participant
	manager            *Manager
}

func (m *Module) Name() string {
	return "vanish"
}

func (m *Module) Init(s *models.Session, p *models.Participant) {
	m.currentSession = s
	m.currentParticipant = p
	m.manager = SessionManager(s, Config{
		Settings:     m.Settings,
		Oracle:       m.Oracle,
		FeatureFlags: m.FeatureFlags,
		AppKey:       s.AppKey,
	}, m.Reloader)

	m.manager.PlayerJoin(p)
}

// SessionManager returns the vanish manager of the session. The manager is
// created and started with the given config when the session does not have
// one yet, and shut down when the session is closed.
func SessionManager(s *models.Session, c Config, r Reloader) *Manager {
	state, loaded := s.LoadOrStoreModuleState((&Module{}).Name(), func() any {
		return NewManager(s, c)
	})
	manager := state.(*Manager)
	if loaded {
		return manager
	}

	manager.Start(context.Background())
	if r != nil {
		s.OnClose(r.OnReload(manager.RefreshAll))
	}
	s.OnClose(manager.Shutdown)
	return manager
}

// Manager returns the vanish manager of the joined session.
func (m *Module) Manager() *Manager {
	return m.manager
}

func (m *Module) HandleMsg(ctx context.Context, respond hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	switch msg.Type {
	case hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_REQUEST:
		return m.handleParticipantJoin()

	case hagallpb.MsgType_MSG_TYPE_CUSTOM_MESSAGE:
		return m.handleCustomMessage(msg)

	default:
		return hwebsocket.ErrModuleMsgSkip
	}
}

func (m *Module) HandleDisconnect() {
	if m.manager != nil && m.currentParticipant != nil {
		m.manager.PlayerQuit(m.currentParticipant)
	}

	m.currentSession = nil
	m.currentParticipant = nil
	m.manager = nil
}

// handleParticipantJoin sends the vanish status to the participant that just
// joined so its client is in sync.
func (m *Module) handleParticipantJoin() error {
	if m.manager == nil || m.FeatureFlags.IsSet(featureflag.FlagDisableVanishStatusChannel) {
		return hwebsocket.ErrModuleMsgSkip
	}

	sendChannel(m.currentParticipant, channel.VanishStatus, statusPayload(m.manager.IsVanished(m.currentParticipant)))
	return nil
}

func (m *Module) handleCustomMessage(msg hwebsocket.Msg) error {
	var customMessage hagallpb.CustomMessage
	if err := msg.DataTo(&customMessage); err != nil {
		return err
	}

	if m.manager == nil || !channel.IsMessage(customMessage.Body) {
		return hwebsocket.ErrModuleMsgSkip
	}

	chanMsg, err := channel.Decode(customMessage.Body)
	if err != nil {
		return errors.New("decoding channel message failed").
			WithTag("msg_type", msg.Type).
			Wrap(err)
	}

	switch chanMsg.Channel {
	case channel.VanishStatus:
		if m.FeatureFlags.IsSet(featureflag.FlagDisableVanishStatusChannel) {
			return hwebsocket.ErrModuleMsgSkip
		}
		m.manager.HandleStatusQuery(m.currentParticipant, chanMsg.Payload)
		return nil

	case channel.Vanish:
		if m.FeatureFlags.IsSet(featureflag.FlagDisableVanishCommands) {
			return hwebsocket.ErrModuleMsgSkip
		}
		m.handleCommand(string(chanMsg.Payload))
		return nil

	default:
		return hwebsocket.ErrModuleMsgSkip
	}
}

func (m *Module) handleCommand(text string) {
	p := m.currentParticipant
	args := strings.Fields(text)

	var cmd string
	if len(args) != 0 {
		cmd, args = strings.ToLower(args[0]), args[1:]
	}

	logs.WithTag(hlogs.AppKeyTag, m.currentSession.AppKey).
		WithTag(hlogs.ParticipantIDTag, p.ID).
		WithTag("command", cmd).
		Debug("vanish command received")

	switch cmd {
	case "", "toggle":
		if len(args) != 0 {
			m.toggleOverride(args[0])
			return
		}
		if !m.require(CapVanish) {
			return
		}
		m.manager.ToggleVanish(p)

	case "on":
		if !m.require(CapVanishOn) {
			return
		}
		if m.manager.IsVanished(p) {
			m.reply("You are already vanished.")
			return
		}
		m.manager.Vanish(p, false, true)

	case "off":
		if !m.require(CapVanishOff) {
			return
		}
		if !m.manager.IsVanished(p) {
			m.reply("You are already visible.")
			return
		}
		m.manager.Reveal(p, false, true)

	case "fakejoin":
		if !m.require(CapFakeAnnounce) {
			return
		}
		m.manager.Announcer().FakeJoin(p, isForced(args))
		m.manager.Reveal(p, false, true)

	case "fakequit":
		if !m.require(CapFakeAnnounce) {
			return
		}
		m.manager.Announcer().FakeQuit(p, isForced(args))
		m.manager.Vanish(p, false, true)

	case "list":
		if !m.require(CapList) {
			return
		}
		names := m.manager.VanishedNames()
		if len(names) == 0 {
			m.reply("Nobody is vanished.")
			return
		}
		m.reply("Vanished: " + strings.Join(names, ", "))

	case "reload":
		if !m.require(CapReload) {
			return
		}
		if m.Reloader == nil {
			m.reply("Nothing to reload.")
			return
		}
		if err := m.Reloader.Reload(); err != nil {
			logs.Warn(errors.New("reloading capabilities failed").
				WithTag(hlogs.ParticipantIDTag, p.ID).
				Wrap(err))
			m.reply("Reload failed.")
			return
		}
		m.reply("Capabilities reloaded.")

	case "refresh":
		m.manager.PlayerRefresh(p)
		m.reply("Visibility refreshed.")

	case "permtest":
		m.permTest(args)

	default:
		m.reply(fmt.Sprintf("Unknown command %q.", cmd))
	}
}

func (m *Module) toggleOverride(name string) {
	o, ok := ParseOverride(strings.ToLower(name))
	if !ok {
		m.reply(fmt.Sprintf("Unknown toggle %q.", name))
		return
	}

	if !m.require(o.ToggleCapability()) {
		return
	}

	state := "off"
	if m.manager.Overrides().Toggle(m.currentParticipant, o) {
		state = "on"
	}
	m.reply(fmt.Sprintf("%s is now %s.", o, state))

	if o == OverrideSeeAll {
		m.manager.ResetSeeing(m.currentParticipant)
	}
}

// permTest replies with the capabilities held by the participant, or by the
// participant with the name given as argument.
func (m *Module) permTest(args []string) {
	target := m.currentParticipant

	if len(args) != 0 {
		if !m.require(CapPermTestOther) {
			return
		}

		p, ok := m.currentSession.ParticipantByName(args[0])
		if !ok {
			m.reply(fmt.Sprintf("Participant %q not found.", args[0]))
			return
		}
		target = p
	} else if !m.require(CapPermTestSelf) {
		return
	}

	var held []string
	for _, c := range Capabilities {
		if m.manager.Oracle().HasCapability(target, c) {
			held = append(held, string(c))
		}
	}

	if len(held) == 0 {
		m.reply(target.Name + " has no vanish capability.")
		return
	}
	m.reply(target.Name + " has " + strings.Join(held, ", "))
}

func (m *Module) require(c Capability) bool {
	if m.manager.Oracle().HasCapability(m.currentParticipant, c) {
		return true
	}

	m.reply("Missing capability " + string(c) + ".")
	return false
}

func (m *Module) reply(text string) {
	sendText(m.currentParticipant, channel.Vanish, text)
}

func isForced(args []string) bool {
	return len(args) != 0 && strings.EqualFold(args[0], "force")
}
