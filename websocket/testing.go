package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-vanish/featureflag"
	"github.com/aukilabs/hagall-vanish/models"
	"github.com/aukilabs/hagall-vanish/modules"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// The client ids of the connections returned by NewTestingEnv. A participant
// is named after the client id it connected with.
const (
	TestClientA = "client-a"
	TestClientB = "client-b"
)

// NewTestingEnv creates a testing environment to unit test handlers and
// modules. It returns two connected clients identified by TestClientA and
// TestClientB.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, *websocket.Conn, func()) {
	var mutex sync.Mutex
	logger := t.Log

	logs.Encoder = func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}

	logs.SetLogger(func(e logs.Entry) {
		mutex.Lock()
		defer mutex.Unlock()

		if logger != nil {
			logger(e)
		}
	})

	errors.Encoder = json.Marshal

	clientA, clientB, close := newTestingEnv(t, newHandler)
	return clientA, clientB, func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = nil
		close()
	}
}

func newTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, *websocket.Conn, func()) {
	server := httptest.NewServer(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			handler := newHandler()
			defer handler.Close()

			Handle(context.Background(), conn, handler)
		},
	})

	newConn := func(clientID string) *websocket.Conn {
		config, err := websocket.NewConfig(
			strings.ReplaceAll(server.URL, "http://", "ws://"),
			"http://localhost",
		)
		if err != nil {
			t.Fatalf("error initializing web socket: %s", err)
		}

		config.Header.Set("User-Agent", "ted")
		config.Header.Set("X-Forwarded-for", "192.0.0.0")
		config.Header.Set(httpcmn.HeaderPosemeshClientID, clientID)

		conn, err := websocket.DialConfig(config)
		if err != nil {
			t.Fatalf("error dialing web socket: %s", err)
		}

		return conn
	}

	clientA := newConn(TestClientA)
	clientB := newConn(TestClientB)

	return clientA, clientB, func() {
		clientA.Close()
		clientB.Close()
		server.Close()
	}
}

type testDiscoveryService struct{}

func (s testDiscoveryService) ServerID() string {
	return "ted"
}

func newTestHandler(newModule ...func() modules.Module) func() Handler {
	return newTestHandlerWithFlags(nil, newModule...)
}

// newTestHandlerWithFlags returns a function that creates handlers sharing the
// same session store. Modules are created for each handler.
func newTestHandlerWithFlags(flags featureflag.FeatureFlag, newModule ...func() modules.Module) func() Handler {
	sessionStore := &models.SessionStore{
		DiscoveryService: testDiscoveryService{},
	}

	return func() Handler {
		modules := make([]modules.Module, len(newModule))
		for i, nm := range newModule {
			modules[i] = nm()
		}

		var h Handler = &RealtimeHandler{
			ClientSyncClockInterval: time.Millisecond * 250,
			ClientIdleTimeout:       time.Minute,
			FrameDuration:           time.Millisecond * 50,
			Sessions:                sessionStore,
			Modules:                 modules,
			FeatureFlags:            flags,
		}

		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://auki-test.com")
		return h
	}
}
