package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/hagall-common/messages/hagallpb"
	hwebsocket "github.com/aukilabs/hagall-common/websocket"
	"github.com/aukilabs/hagall-vanish/channel"
	"github.com/aukilabs/hagall-vanish/modules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/websocket"
)

const (
	errTypeLabel        = "error_type"
	msgTypeLabel        = "msg_type"
	moduleLabel         = "module"
	publicEndpointLabel = "public_endpoint"
	appKeyLabel         = "app_key"
	channelLabel        = "channel"

	defaultModule = "hagall"
)

var (
	wsConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_connected_clients",
		Help: "The number of connected clients.",
	}, []string{
		publicEndpointLabel,
		appKeyLabel,
	})

	wsReceivedMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_received_msgs",
		Help: "The number of messages received from WebSocket connections.",
	}, []string{
		publicEndpointLabel,
		msgTypeLabel,
		appKeyLabel,
	})

	wsReceivedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_received_bytes",
		Help: "The number of bytes received from WebSocket connections.",
	}, []string{
		publicEndpointLabel,
		msgTypeLabel,
		appKeyLabel,
	})

	wsReceiveError = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_receive_errors",
		Help: "The errors that occured while receiving a websocket message.",
	}, []string{
		publicEndpointLabel,
		errTypeLabel,
		appKeyLabel,
	})

	wsSentMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sent_msgs",
		Help: "The number of messages sent to WebSocket connections.",
	}, []string{
		publicEndpointLabel,
		msgTypeLabel,
		appKeyLabel,
	})

	wsSentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sent_bytes",
		Help: "The number of bytes sent to WebSocket connections.",
	}, []string{
		publicEndpointLabel,
		msgTypeLabel,
		appKeyLabel,
	})

	wsSendError = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_send_errors",
		Help: "The errors that occured while sending a websocket message.",
	}, []string{
		publicEndpointLabel,
		errTypeLabel,
		msgTypeLabel,
		appKeyLabel,
	})

	wsChannelMsgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_channel_msgs",
		Help: "The number of custom messages addressed to a server side channel.",
	}, []string{
		publicEndpointLabel,
		channelLabel,
		appKeyLabel,
	})

	wsMsgLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "ws_msg_latency",
		Help: "The time to process a WebSocket msg.",
	}, []string{
		publicEndpointLabel,
		msgTypeLabel,
		moduleLabel,
	})
)

// HandlerWithMetrics wraps the handler with Prometheus metrics. Processing
// latency is measured for joins, custom messages and modules, which is where
// visibility is computed.
func HandlerWithMetrics(h Handler, publicEndpoint string) Handler {
	return &handlerWithMetrics{
		Handler:        h,
		publicEndpoint: publicEndpoint,
	}
}

type handlerWithMetrics struct {
	Handler

	appKey         string
	publicEndpoint string
}

// labels returns the endpoint and app key labels with the given label pairs.
func (h *handlerWithMetrics) labels(pairs ...string) prometheus.Labels {
	labels := prometheus.Labels{
		publicEndpointLabel: h.publicEndpoint,
		appKeyLabel:         h.appKey,
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		labels[pairs[i]] = pairs[i+1]
	}
	return labels
}

func (h *handlerWithMetrics) HandleConnect(conn *websocket.Conn) {
	req := conn.Request()
	h.appKey = httpcmn.GetAppKeyFromHagallUserToken(httpcmn.GetUserTokenFromHTTPRequest(req))

	wsConnectedClients.With(h.labels()).Inc()
	h.Handler.HandleConnect(conn)
}

func (h *handlerWithMetrics) HandleParticipantJoin(ctx context.Context, handleFrame func(), sender hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.measureLatency(msg, defaultModule, func() error {
		return h.Handler.HandleParticipantJoin(ctx, handleFrame, sender, msg)
	})
}

func (h *handlerWithMetrics) HandleDisconnect(err error) {
	wsConnectedClients.With(h.labels()).Dec()
	h.Handler.HandleDisconnect(err)
}

func (h *handlerWithMetrics) HandleCustomMessage(ctx context.Context, sender hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	h.countChannelMsg(msg)

	return h.measureLatency(msg, defaultModule, func() error {
		return h.Handler.HandleCustomMessage(ctx, sender, msg)
	})
}

// countChannelMsg counts the custom messages that carry a channel envelope.
// Regular custom messages are already counted by type.
func (h *handlerWithMetrics) countChannelMsg(msg hwebsocket.Msg) {
	var customMessage hagallpb.CustomMessage
	if err := msg.DataTo(&customMessage); err != nil {
		return
	}

	chanMsg, err := channel.Decode(customMessage.Body)
	if err != nil {
		return
	}

	name := chanMsg.Channel
	switch name {
	case channel.Vanish, channel.VanishStatus, channel.Broadcast:
	default:
		name = "other"
	}

	wsChannelMsgs.With(h.labels(channelLabel, name)).Inc()
}

func (h *handlerWithMetrics) HandleWithModule(ctx context.Context, module modules.Module, sender hwebsocket.ResponseSender, msg hwebsocket.Msg) error {
	return h.measureLatency(msg, module.Name(), func() error {
		return h.Handler.HandleWithModule(ctx, module, sender, msg)
	})
}

func (h *handlerWithMetrics) Receiver() hwebsocket.Receiver {
	receive := h.Handler.Receiver()

	return func() (hwebsocket.Msg, int, error) {
		msg, n, err := receive()
		if err != nil {
			wsReceiveError.With(h.labels(errTypeLabel, errors.Type(err))).Inc()
		} else {
			wsReceivedMsgs.With(h.labels(msgTypeLabel, msg.TypeString())).Inc()
		}

		if n != 0 {
			wsReceivedBytes.With(h.labels(msgTypeLabel, msg.TypeString())).Add(float64(n))
		}
		return msg, n, err
	}
}

func (h *handlerWithMetrics) Sender() hwebsocket.Sender {
	sender := h.Handler.Sender()

	return func(msg hwebsocket.Msg) (int, error) {
		msgType := msg.TypeString()

		n, err := sender(msg)
		if err != nil {
			wsSendError.With(h.labels(msgTypeLabel, msgType, errTypeLabel, errors.Type(err))).Inc()
		}

		if n != 0 {
			wsSentMsgs.With(h.labels(msgTypeLabel, msgType)).Inc()
			wsSentBytes.With(h.labels(msgTypeLabel, msgType)).Add(float64(n))
		}
		return n, err
	}
}

func (h *handlerWithMetrics) measureLatency(msg hwebsocket.Msg, module string, f func() error) error {
	start := time.Now()

	err := f()
	if errors.IsType(err, hwebsocket.ErrTypeMsgSkip) {
		return err
	}

	wsMsgLatency.With(prometheus.Labels{
		publicEndpointLabel: h.publicEndpoint,
		msgTypeLabel:        msg.TypeString(),
		moduleLabel:         module,
	}).Observe(time.Since(start).Seconds())

	return err
}
