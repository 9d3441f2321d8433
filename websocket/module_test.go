package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/hagall-common/messages/hagallpb"
	"github.com/aukilabs/hagall-common/scenario"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// recordingModule records the lifecycle calls it receives.
type recordingModule struct {
	mutex          sync.Mutex
	session        *models.Session
	participant    *models.Participant
	pendingOnInit  bool
	handled        []protoreflect.Enum
	skipped        []protoreflect.Enum
	leftOnQuit     bool
	disconnectDone chan struct{}
	onInit         func(*recordingModule)
}

func (m *recordingModule) Name() string {
	return "recording"
}

func (m *recordingModule) Init(s *models.Session, p *models.Participant) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.session = s
	m.participant = p
	m.pendingOnInit = p.Pending()

	if m.onInit != nil {
		m.onInit(m)
	}
}

func (m *recordingModule) HandleMsg(ctx context.Context, sender hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if msg.Type == hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_REQUEST {
		m.skipped = append(m.skipped, msg.Type)
		return hwebsocket.ErrModuleMsgSkip
	}

	m.handled = append(m.handled, msg.Type)
	return nil
}

func (m *recordingModule) HandleDisconnect() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.leftOnQuit = !m.session.HasParticipant(m.participant)
	close(m.disconnectDone)
}

func TestModuleLifecycle(t *testing.T) {
	initialized := make(chan *recordingModule, 2)

	clientA, _, close := NewTestingEnv(t, newTestHandler(func() modules.Module {
		return &recordingModule{
			disconnectDone: make(chan struct{}),
			onInit: func(m *recordingModule) {
				initialized <- m
			},
		}
	}))
	defer close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := scenario.NewScenario(clientA).
		Send(joinRequest(1, "")).
		Receive(
			scenario.FilterByRequestID(1),
			scenario.FilterByType(hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_RESPONSE),
		).
		Receive(
			scenario.FilterByType(hagallpb.MsgType_MSG_TYPE_SESSION_STATE),
		).
		Send(func() hwebsocket.ProtoMsg {
			return &hagallpb.EntityAddRequest{
				Type:      hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_REQUEST,
				Timestamp: timestamppb.Now(),
				RequestId: 2,
			}
		}).
		Receive(
			scenario.FilterByRequestID(2),
			scenario.FilterByType(hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_RESPONSE),
		).
		Run(ctx)
	require.NoError(t, err)

	var mod *recordingModule
	select {
	case mod = <-initialized:
	case <-ctx.Done():
		t.Fatal("module was not initialized")
	}

	clientA.Close()

	select {
	case <-mod.disconnectDone:
	case <-ctx.Done():
		t.Fatal("module was not notified of the disconnection")
	}

	mod.mutex.Lock()
	defer mod.mutex.Unlock()

	require.NotNil(t, mod.session)
	require.NotNil(t, mod.participant)
	require.True(t, mod.pendingOnInit)
	require.Len(t, mod.handled, 1)
	require.Equal(t, hagallpb.MsgType_MSG_TYPE_PARTICIPANT_JOIN_REQUEST, mod.handled[0])
	require.Len(t, mod.skipped, 1)
	require.Equal(t, hagallpb.MsgType_MSG_TYPE_ENTITY_ADD_REQUEST, mod.skipped[0])
	require.True(t, mod.leftOnQuit)
}
