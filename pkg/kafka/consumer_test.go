package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	applogger "TWPull/pkg/logger"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	topic string
	fails int
	calls int
}

func (h *countingHandler) Topic() string { return h.topic }

func (h *countingHandler) Handle(context.Context, []byte) error {
	h.calls++
	if h.calls <= h.fails {
		return errors.New("transient")
	}
	return nil
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer(applogger.Nop())
	assert.Error(t, err)
}

func TestConsumer_StartWithoutHandlers(t *testing.T) {
	c, err := NewConsumer(applogger.Nop(), WithConsumerBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	assert.Error(t, c.Start())
}

func TestConsumer_RegisterHandlerOnce(t *testing.T) {
	c, err := NewConsumer(applogger.Nop(), WithConsumerBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	first := &countingHandler{topic: "p"}
	c.RegisterHandler(first)
	c.RegisterHandler(&countingHandler{topic: "p"})
	assert.Same(t, first, c.handlers["p"])
}

func TestConsumer_HandleRetriesThenSucceeds(t *testing.T) {
	c, err := NewConsumer(applogger.Nop(),
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	var errs int
	c.WithConsumerHook(HookFuncs{Err: func(context.Context, string, kafka.Message, []byte, error) { errs++ }})
	h := &countingHandler{topic: "p", fails: 2}
	c.handle(h, &message{topic: "p", data: []byte("{}")})

	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 2, errs)
}

func TestConsumer_HandleGivesUp(t *testing.T) {
	c, err := NewConsumer(applogger.Nop(),
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(1, time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)

	h := &countingHandler{topic: "p", fails: 10}
	c.handle(h, &message{topic: "p"})
	assert.Equal(t, 2, h.calls)
}
