package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"linuxdiag/pkg/define"
	"linuxdiag/pkg/gatekeeper"

	"github.com/sirupsen/logrus"
	"github.com/tmaxmax/go-sse"
)

type ctxKey string

const sseTopicKey ctxKey = "sseTopicKey"

// EventStream fans script transitions out to subscribed approval clients.
// Each message has the new state as its type and the execution as JSON
// data.
type EventStream struct {
	server *sse.Server
}

func NewEventStream() *EventStream {
	return &EventStream{
		server: &sse.Server{
			OnSession: func(w http.ResponseWriter, r *http.Request) ([]string, bool) {
				topic, ok := r.Context().Value(sseTopicKey).(string)
				if !ok || topic == "" {
					logrus.Warn("sse: empty topic in session")
					return nil, false
				}
				return []string{topic}, true
			},
		},
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), sseTopicKey, define.SSEScriptsTopic)
	s.server.ServeHTTP(w, r.WithContext(ctx))
}

func (s *EventStream) publish(topic, msgType, data string) {
	msg := &sse.Message{}
	msg.AppendData(data)
	msg.Type = sse.Type(msgType)

	if err := s.server.Publish(msg, topic); err != nil {
		logrus.Warnf("sse: failed to publish message: %v", err)
	}
}

// PublishExecution is a gatekeeper.OnTransition hook.
func (s *EventStream) PublishExecution(e gatekeeper.Execution) {
	data, err := json.Marshal(e)
	if err != nil {
		logrus.Warnf("sse: failed to encode script %s: %v", e.ID, err)
		return
	}
	s.publish(define.SSEScriptsTopic, string(e.State), string(data))
}

func (s *EventStream) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
