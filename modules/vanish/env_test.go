package vanish

import (
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t       *testing.T
	session *models.Session
	manager *Manager

	capMutex sync.RWMutex
	caps     map[string]map[Capability]bool
}

func newTestEnv(t *testing.T, settings Settings, flags ...featureflag.Flag) *testEnv {
	env := &testEnv{
		t:       t,
		session: models.NewSession(42, time.Minute),
		caps:    make(map[string]map[Capability]bool),
	}
	t.Cleanup(env.session.Close)

	var ff featureflag.FeatureFlag
	for _, f := range flags {
		if ff == nil {
			ff = make(featureflag.FeatureFlag)
		}
		ff[f] = struct{}{}
	}

	env.manager = NewManager(env.session, Config{
		Settings:     settings,
		Oracle:       env,
		FeatureFlags: ff,
		AppKey:       "test",
	})
	return env
}

func (e *testEnv) HasCapability(p *models.Participant, c Capability) bool {
	e.capMutex.RLock()
	defer e.capMutex.RUnlock()

	return e.caps[p.Name][c]
}

func (e *testEnv) grant(name string, caps ...Capability) {
	e.capMutex.Lock()
	defer e.capMutex.Unlock()

	if e.caps[name] == nil {
		e.caps[name] = make(map[Capability]bool)
	}
	for _, c := range caps {
		e.caps[name][c] = true
	}
}

func (e *testEnv) revoke(name string, caps ...Capability) {
	e.capMutex.Lock()
	defer e.capMutex.Unlock()

	for _, c := range caps {
		delete(e.caps[name], c)
	}
}

// join adds a participant with the given capabilities to the session.
func (e *testEnv) join(name string, caps ...Capability) (*models.Participant, *testClient) {
	client := &testClient{}
	p := &models.Participant{
		ID:        e.session.NewParticipantID(),
		Name:      name,
		Responder: client,
	}

	e.grant(name, caps...)
	e.session.AddParticipant(p)
	return p, client
}

// runBatcher runs the restoration batcher the number of times that is
// required to apply restorations added before the call.
func (e *testEnv) runBatcher() {
	e.manager.Batcher().Run()
	e.manager.Batcher().Run()
}

type testClient struct {
	mutex sync.Mutex
	msgs  []hwebsocket.ProtoMsg
}

func (c *testClient) Send(msg hwebsocket.ProtoMsg) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.msgs = append(c.msgs, msg)
}

func (c *testClient) SendMsg(msg hwebsocket.Msg) {
}

func (c *testClient) messages() []hwebsocket.ProtoMsg {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]hwebsocket.ProtoMsg(nil), c.msgs...)
}

func (c *testClient) reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.msgs = nil
}

// channelPayloads returns the payloads received on the given channel.
func (c *testClient) channelPayloads(t *testing.T, name string) [][]byte {
	var payloads [][]byte
	for _, msg := range c.messages() {
		broadcast, ok := msg.(*hagallpb.CustomMessageBroadcast)
		if !ok {
			continue
		}

		chanMsg, err := channel.Decode(broadcast.Body)
		require.NoError(t, err)
		if chanMsg.Channel == name {
			payloads = append(payloads, chanMsg.Payload)
		}
	}
	return payloads
}

func (c *testClient) texts(t *testing.T, name string) []string {
	var texts []string
	for _, p := range c.channelPayloads(t, name) {
		texts = append(texts, string(p))
	}
	return texts
}

func (c *testClient) leaves() []uint32 {
	var ids []uint32
	for _, msg := range c.messages() {
		if leave, ok := msg.(*hagallpb.ParticipantLeaveBroadcast); ok {
			ids = append(ids, leave.ParticipantId)
		}
	}
	return ids
}

func (c *testClient) joins() []uint32 {
	var ids []uint32
	for _, msg := range c.messages() {
		if join, ok := msg.(*hagallpb.ParticipantJoinBroadcast); ok {
			ids = append(ids, join.ParticipantId)
		}
	}
	return ids
}
