package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/motoride/internal/booking/domain"
)

const defaultSubjectPrefix = "notify.user."

// NATSSender pushes notifications to per-user NATS subjects. Client
// apps subscribe to notify.user.<id> for their own stream.
type NATSSender struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSender builds a sender on the provided connection.
func NewNATSSender(conn *nats.Conn, subjectPrefix string) *NATSSender {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &NATSSender{conn: conn, subjectPrefix: subjectPrefix}
}

// Send satisfies domain.PushSender.
func (s *NATSSender) Send(ctx context.Context, n domain.Notification) error {
	if s == nil || s.conn == nil {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return s.conn.PublishMsg(&nats.Msg{
		Subject: s.subjectPrefix + n.RecipientID.String(),
		Data:    payload,
		Header: map[string][]string{
			"x-trace-id":          {traceIDFromContext(ctx)},
			"x-notification-type": {string(n.Type)},
		},
	})
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
