// Package channel implements named side channels carried inside Hagall custom
// messages. A channel message is a CBOR envelope holding the channel name and
// an opaque payload, so modules can exchange small binary messages with
// clients without new protobuf types.
package channel

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

const (
	// VanishStatus is the channel clients use to query their own vanish
	// status. Replies carry a single byte.
	VanishStatus = "vanishStatus"

	// Vanish is the channel used for vanish text commands and their replies.
	Vanish = "vanish"

	// Broadcast is the channel carrying public text announcements.
	Broadcast = "broadcast"

	// ErrTypeInvalidEnvelope is the error type returned when a body is not a
	// channel envelope.
	ErrTypeInvalidEnvelope = "invalid_channel_envelope"
)

// Message is a message sent over a named channel.
type Message struct {
	Channel string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	if encMode, err = (cbor.EncOptions{Sort: cbor.SortCoreDeterministic}).EncMode(); err != nil {
		panic(err)
	}

	if decMode, err = (cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode encodes a message to the bytes put in a custom message body.
func Encode(channel string, payload []byte) ([]byte, error) {
	if channel == "" {
		return nil, errors.New("channel name is empty").
			WithType(ErrTypeInvalidEnvelope)
	}

	b, err := encMode.Marshal(Message{
		Channel: channel,
		Payload: payload,
	})
	if err != nil {
		return nil, errors.New("encoding channel message failed").
			WithTag("channel", channel).
			Wrap(err)
	}
	return b, nil
}

// Decode decodes a custom message body. It returns an error typed
// ErrTypeInvalidEnvelope when the body is not a channel message, which is the
// case for regular custom messages relayed between participants.
func Decode(body []byte) (Message, error) {
	var msg Message
	if len(body) == 0 {
		return msg, errors.New("empty body").WithType(ErrTypeInvalidEnvelope)
	}

	if err := decMode.Unmarshal(body, &msg); err != nil {
		return Message{}, errors.New("decoding channel message failed").
			WithType(ErrTypeInvalidEnvelope).
			Wrap(err)
	}

	if msg.Channel == "" {
		return Message{}, errors.New("channel name is empty").
			WithType(ErrTypeInvalidEnvelope)
	}
	return msg, nil
}

// IsMessage reports whether the body is a channel message.
func IsMessage(body []byte) bool {
	_, err := Decode(body)
	return err == nil
}
