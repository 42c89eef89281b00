package usecase

import (
	"context"
	"encoding/json"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	applogger "TWPull/pkg/logger"
)

// ProgressFeed replays progress events read from the message bus into an
// observer. It satisfies the kafka MessageHandler contract.
type ProgressFeed struct {
	topic string
	runID string
	obs   domrepo.ProgressObserver
	l     *applogger.Logger
}

// NewProgressFeed follows topic; a non-empty runID filters to one run.
func NewProgressFeed(topic, runID string, obs domrepo.ProgressObserver, l *applogger.Logger) *ProgressFeed {
	return &ProgressFeed{topic: topic, runID: runID, obs: obs, l: l}
}

func (f *ProgressFeed) Topic() string { return f.topic }

// Handle decodes one event. Undecodable payloads are logged and dropped since
// a retry cannot fix them.
func (f *ProgressFeed) Handle(ctx context.Context, data []byte) error {
	var ev models.ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		f.l.Warn("progress feed: bad payload", applogger.String("topic", f.topic), applogger.Error(err))
		return nil
	}
	if f.runID != "" && ev.RunID != f.runID {
		return nil
	}
	f.obs.OnProgress(ctx, ev)
	return nil
}
