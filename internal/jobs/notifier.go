package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LogNotifier writes notifications to the log instead of a push provider.
// It is the default until a real provider is configured, and what the
// development setup runs with.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, userID, kind string, data json.RawMessage) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "user_id", userID, "kind", kind, "data", string(data))
	return nil
}
