package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

const (
	streamName           = "SEDA_PUSHER"
	streamSubjectPattern = "SEDA_PUSHER.*"
	streamCreateTimeout  = 10 * time.Second
)

// NATSForwarder mirrors Bus events onto NATS JetStream subjects for
// external dashboards and alerting. It is an additional tee, not a
// replacement transport: the in-process Bus remains authoritative, and a
// NATSForwarder outage never blocks or drops in-process delivery.
type NATSForwarder struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger *zerolog.Logger
	prefix string
}

// NewNATSForwarder connects to natsURL and provisions a JetStream stream
// for subjectPrefix.*, deduplicating on topic+emitter+timestamp.
func NewNATSForwarder(natsURL string, retentionWindow time.Duration, subjectPrefix string, logger *zerolog.Logger) (*NATSForwarder, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("seda-evm-pusher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats forwarder disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats forwarder reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	if subjectPrefix == "" {
		subjectPrefix = streamName
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".*"},
		MaxAge:     retentionWindow,
		Storage:    jetstream.FileStorage,
		Duplicates: 20 * time.Minute,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Str("subjects", subjectPrefix+".*").Msg("nats event forwarder initialized")

	return &NATSForwarder{js: js, nc: nc, logger: logger, prefix: subjectPrefix}, nil
}

// Forward subscribes to every topic on bus and republishes each event onto
// NATS, running until ctx is canceled. cmd/pusher/main.go launches it as
// its own goroutine.
func (f *NATSForwarder) Forward(ctx context.Context, bus *Bus, topics []models.EventTopic) {
	chans := make([]<-chan models.Event, len(topics))
	for i, t := range topics {
		chans[i] = bus.Subscribe(t)
	}

	merged := make(chan models.Event, subscriberBufferSize)
	for _, ch := range chans {
		go func(c <-chan models.Event) {
			for {
				select {
				case ev, ok := <-c:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			if err := f.publish(ctx, ev); err != nil {
				f.logger.Warn().Err(err).Str("topic", string(ev.Topic)).Msg("failed to forward event to nats")
			}
		}
	}
}

func (f *NATSForwarder) publish(ctx context.Context, event models.Event) error {
	subject := fmt.Sprintf("%s.%s", f.prefix, event.Topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID := fmt.Sprintf("%s-%s-%d", event.Topic, event.Emitter, event.Timestamp.UnixNano())

	_, err = f.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Close tears down the NATS connection.
func (f *NATSForwarder) Close() {
	if f.nc != nil {
		f.nc.Close()
		f.logger.Info().Msg("nats event forwarder closed")
	}
}

// Healthy reports whether the underlying NATS connection is up.
func (f *NATSForwarder) Healthy() bool {
	return f.nc != nil && f.nc.IsConnected()
}
