package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TWPull/internal/domain/models"
	applogger "TWPull/pkg/logger"
)

type fakePublisher struct {
	topic string
	key   []byte
	value interface{}
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	f.topic, f.key, f.value = topic, key, value
	return f.err
}

func TestKafkaProgressPublisherKeysByRun(t *testing.T) {
	fp := &fakePublisher{}
	p := NewKafkaProgressPublisher(fp, "twpull.progress", applogger.Nop())

	p.OnProgress(context.Background(), models.ProgressEvent{RunID: "run-1", Kind: models.EventChunkDone, Symbol: "2330.TW"})

	assert.Equal(t, "twpull.progress", fp.topic)
	assert.Equal(t, []byte("run-1"), fp.key)
	ev, ok := fp.value.(models.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "2330.TW", ev.Symbol)
}

func TestKafkaProgressPublisherSwallowsErrors(t *testing.T) {
	fp := &fakePublisher{err: errors.New("broker down")}
	p := NewKafkaProgressPublisher(fp, "t", applogger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { p.OnProgress(ctx, models.ProgressEvent{RunID: "r"}) })
}
