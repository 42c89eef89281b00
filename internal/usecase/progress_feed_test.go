package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"TWPull/internal/domain/models"
	applogger "TWPull/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressFeed_FiltersByRun(t *testing.T) {
	var got []models.ProgressEvent
	obs := ObserverFunc(func(_ context.Context, ev models.ProgressEvent) { got = append(got, ev) })
	feed := NewProgressFeed("twpull.progress", "run-a", obs, applogger.Nop())
	assert.Equal(t, "twpull.progress", feed.Topic())

	for _, ev := range []models.ProgressEvent{
		{RunID: "run-a", Kind: models.EventChunkDone, Symbol: "2330.TW"},
		{RunID: "run-b", Kind: models.EventChunkDone, Symbol: "2317.TW"},
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, feed.Handle(context.Background(), b))
	}

	require.Len(t, got, 1)
	assert.Equal(t, "2330.TW", got[0].Symbol)
}

func TestProgressFeed_DropsBadPayload(t *testing.T) {
	called := false
	obs := ObserverFunc(func(context.Context, models.ProgressEvent) { called = true })
	feed := NewProgressFeed("t", "", obs, applogger.Nop())

	assert.NoError(t, feed.Handle(context.Background(), []byte("{not json")))
	assert.False(t, called)
}
