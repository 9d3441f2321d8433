package http

import (
	"net/http"

	hds "github.com/aukilabs/hagall-common/hdsclient"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

// UserAuthVerifier is the interface that verifies the user token of a client
// before its websocket connection is accepted.
type UserAuthVerifier interface {
	VerifyUserAuth(token string) error
}

var _ UserAuthVerifier = (*hds.Client)(nil)

// VerifyAuthToken returns a websocket handshake that rejects clients whose
// user token is not valid.
func VerifyAuthToken(v UserAuthVerifier) func(*websocket.Config, *http.Request) error {
	return func(c *websocket.Config, r *http.Request) error {
		token := httpcmn.GetUserTokenFromHTTPRequest(r)

		if err := v.VerifyUserAuth(token); err != nil {
			logs.WithClientID(r.Header.Get(httpcmn.HeaderPosemeshClientID)).
				WithTag(logs.AppKeyTag, httpcmn.GetAppKeyFromHagallUserToken(token)).
				Error(err)
			return err
		}

		return nil
	}
}
