package modules

import (
	"context"

	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/models"
)

// Module extends the realtime handler of a single client connection.
//
// A module instance is created for each connection. State shared between the
// participants of a session must be attached to the session.
type Module interface {
	// Returns the module name. The name is advertised to HDS when pairing.
	Name() string

	// Initializes the module once the participant has been added to the
	// session. The participant is still pending: it does not receive
	// broadcasts and is not announced to the others until Init returns.
	Init(*models.Session, *models.Participant)

	// Handles a given message. Modules are free to decide whether they handle a
	// message.
	//
	// Returning ErrModuleMsgSkip indicates that handling a message was skipped.
	//
	// Any other returned errors causes the current WebSocket client to be
	// disconnected.
	HandleMsg(context.Context, hwebsocket.ResponseSender, hwebsocket.Msg) error

	// Handles a client disconnection. It is called after the participant left
	// the session and its departure was broadcasted.
	HandleDisconnect()
}

// Names returns the names of the given modules.
func Names(mods ...Module) []string {
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name())
	}
	return names
}
