package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// StopFunc cancels the running transcription and describes the outcome.
type StopFunc func() string

// ServeStop answers requests on protocol.SubjectControlStop by calling stop.
// Plain publishes without a reply subject still trigger the stop.
func ServeStop(client *Client, sessionID string, stop StopFunc) (*nats.Subscription, error) {
	log := client.log.With(slog.String("subject", protocol.SubjectControlStop))
	return client.conn.Subscribe(protocol.SubjectControlStop, func(msg *nats.Msg) {
		var req protocol.StopRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				log.Warn("ignoring malformed stop request", slog.String("error", err.Error()))
				return
			}
		}
		if req.SessionID != "" && req.SessionID != sessionID {
			return
		}
		reply := protocol.StopReply{SessionID: sessionID, Result: stop()}
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Warn("encode stop reply failed", slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("stop reply failed", slog.String("error", err.Error()))
		}
	})
}
