package vanish

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	hlogs "github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/models"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	statusVanished = []byte{0x01}
	statusVisible  = []byte{0x00}
)

func statusPayload(vanished bool) []byte {
	if vanished {
		return statusVanished
	}
	return statusVisible
}

// sendChannel sends a channel message to the participant. The message comes
// from the server so it carries no participant id.
func sendChannel(p *models.Participant, name string, payload []byte) {
	if p == nil || p.Responder == nil {
		return
	}

	body, err := channel.Encode(name, payload)
	if err != nil {
		logs.Error(errors.New("encoding channel message failed").
			WithTag("channel", name).
			WithTag(hlogs.ParticipantIDTag, p.ID).
			Wrap(err))
		return
	}

	now := timestamppb.Now()
	p.Responder.Send(&hagallpb.CustomMessageBroadcast{
		Type:            hagallpb.MsgType_MSG_TYPE_CUSTOM_MESSAGE_BROADCAST,
		Timestamp:       now,
		OriginTimestamp: now,
		Body:            body,
	})
}

func sendText(p *models.Participant, name, text string) {
	sendChannel(p, name, []byte(text))
}
