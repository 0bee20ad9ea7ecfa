package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	logger := zerolog.Nop()
	bus := New(&logger)

	ch := bus.Subscribe(models.TopicBatchDiscovered)
	bus.Publish(models.Event{Topic: models.TopicBatchDiscovered, Emitter: "test", Timestamp: time.Unix(0, 0)})

	select {
	case ev := <-ch:
		require.Equal(t, models.TopicBatchDiscovered, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	logger := zerolog.Nop()
	bus := New(&logger)

	ch := bus.Subscribe(models.TopicBatchDiscovered)
	bus.Publish(models.Event{Topic: models.TopicServiceError, Emitter: "test"})

	select {
	case <-ch:
		t.Fatal("unexpected event on unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFIFOPerEmitter(t *testing.T) {
	logger := zerolog.Nop()
	bus := New(&logger)
	ch := bus.Subscribe(models.TopicServiceError)

	for i := 0; i < 5; i++ {
		bus.Publish(models.Event{
			Topic:   models.TopicServiceError,
			Emitter: "emitter-a",
			Payload: models.ServiceErrorPayload{Detail: string(rune('0' + i))},
		})
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		payload := ev.Payload.(models.ServiceErrorPayload)
		require.Equal(t, string(rune('0'+i)), payload.Detail)
	}
}

func TestPublishDropsOnFullChannel(t *testing.T) {
	logger := zerolog.Nop()
	bus := New(&logger)
	bus.Subscribe(models.TopicServiceError) // never drained

	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Publish(models.Event{Topic: models.TopicServiceError, Emitter: "flood"})
	}

	require.Greater(t, bus.DroppedCount(), uint64(0))
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	logger := zerolog.Nop()
	bus := New(&logger)

	chA := bus.Subscribe(models.TopicBatchCompleted)
	chB := bus.Subscribe(models.TopicBatchCompleted)

	bus.Publish(models.Event{Topic: models.TopicBatchCompleted, Emitter: "test"})

	for _, ch := range []<-chan models.Event{chA, chB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber")
		}
	}
}
