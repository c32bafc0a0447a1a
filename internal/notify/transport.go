package notify

import (
	"context"

	logx "workyard/pkg/logx"
)

// Transport delivers one reminder. Implementations own their delivery
// guarantees (push, polling fallback, batching); the dispatcher only
// needs the call to return once the event is handed off.
type Transport interface {
	Deliver(ctx context.Context, e Event) error
}

// LogTransport writes reminders to the log. It is the default transport
// when no push channel is configured and doubles as a delivery audit
// trail in front of a real one.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Deliver(_ context.Context, e Event) error {
	t.log.Info("reminder",
		logx.String("recipient", e.RecipientID),
		logx.String("item", e.ItemID),
		logx.String("title", e.Title),
		logx.String("message", e.Message),
		logx.Time("at", e.At),
	)
	return nil
}
