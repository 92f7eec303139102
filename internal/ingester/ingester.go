package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomkotik/aimanager/internal/dispatch"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/pipeline"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	inboundStream = "AIMANAGER_INBOUND"
	consumerName  = "aimanager-inbound"
	maxDeliver    = 5

	lockRetryDelay = 2 * time.Second
	busyRetryDelay = time.Second
)

// Submitter queues events for processing. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(job dispatch.Job) error
}

// Ingester consumes channel events from JetStream, feeds them to the
// dispatcher and publishes replies and alerts.
type Ingester struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	dispatcher Submitter
	subs       []jetstream.ConsumeContext
	publish    func(subject string, data []byte) error
}

func New(natsURL string, d *dispatch.Dispatcher) (*Ingester, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	ing := &Ingester{
		nc:         nc,
		js:         js,
		dispatcher: d,
		publish:    nc.Publish,
	}

	// Give the dispatcher a way to publish alerts back to NATS.
	d.SetNATSPublisher(func(subject string, data []byte) error {
		return nc.Publish(subject, data)
	})

	return ing, nil
}

// Start binds the durable consumer and begins consuming.
func (ing *Ingester) Start(ctx context.Context) error {
	if err := ing.ensureStream(ctx); err != nil {
		return err
	}

	consumer, err := ing.js.CreateOrUpdateConsumer(ctx, inboundStream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ing.handleMessage(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	ing.subs = append(ing.subs, cc)

	slog.Info("subscribed to stream", "stream", inboundStream, "consumer", consumerName)
	return nil
}

func (ing *Ingester) ensureStream(ctx context.Context) error {
	if _, err := ing.js.Stream(ctx, inboundStream); err == nil {
		return nil
	}

	_, err := ing.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      inboundStream,
		Subjects:  []string{events.SubjectInboundPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", inboundStream, err)
	}

	slog.Info("created stream", "name", inboundStream)
	return nil
}

func (ing *Ingester) handleMessage(msg jetstream.Msg) {
	evt, err := events.Normalize(msg.Data())
	if err != nil {
		slog.Warn("unusable inbound event, terminating", "subject", msg.Subject(), "error", err)
		ing.deadLetter(msg, events.Alert{Detail: err.Error()})
		return
	}

	if evt.Channel == "" {
		evt.Channel = events.ChannelFromSubject(msg.Subject())
	}

	err = ing.dispatcher.Submit(dispatch.Job{
		Event: evt,
		Done: func(r pipeline.Reply, err error) {
			ing.complete(msg, evt, r, err)
		},
	})
	if err != nil {
		slog.Warn("event not queued, redelivering later",
			"conversation_key", evt.ConversationKey,
			"external_event_id", evt.ExternalEventID,
			"error", err,
		)
		if nerr := msg.NakWithDelay(busyRetryDelay); nerr != nil {
			slog.Warn("failed to nak message", "subject", msg.Subject(), "error", nerr)
		}
	}
}

// complete settles the message once the pipeline is done with it.
func (ing *Ingester) complete(msg jetstream.Msg, evt events.InboundEvent, r pipeline.Reply, err error) {
	switch {
	case err == nil:
		ing.publishReply(evt, r)
		ing.ack(msg)
	case errors.Is(err, pipeline.ErrStaleOrdering):
		slog.Warn("stale event dropped",
			"conversation_key", evt.ConversationKey,
			"external_event_id", evt.ExternalEventID,
			"error", err,
		)
		ing.ack(msg)
	case errors.Is(err, gate.ErrMissingIdentity):
		ing.deadLetter(msg, alertFor(evt, err))
	case errors.Is(err, gate.ErrLockTimeout), errors.Is(err, dispatch.ErrStopped):
		if nerr := msg.NakWithDelay(lockRetryDelay); nerr != nil {
			slog.Warn("failed to nak message", "subject", msg.Subject(), "error", nerr)
		}
	default:
		delivered := uint64(1)
		if meta, merr := msg.Metadata(); merr == nil && meta != nil {
			delivered = meta.NumDelivered
		}
		if delivered >= maxDeliver {
			ing.deadLetter(msg, alertFor(evt, err))
			return
		}
		if nerr := msg.NakWithDelay(facts.RetryDelay(int(delivered))); nerr != nil {
			slog.Warn("failed to nak message", "subject", msg.Subject(), "error", nerr)
		}
	}
}

func alertFor(evt events.InboundEvent, err error) events.Alert {
	return events.Alert{
		AgentID:         evt.AgentID,
		ConversationKey: evt.ConversationKey,
		ExternalEventID: evt.ExternalEventID,
		Detail:          err.Error(),
	}
}

// deadLetter stops redelivery and announces the message on the alert
// subject so it can be inspected and replayed.
func (ing *Ingester) deadLetter(msg jetstream.Msg, a events.Alert) {
	if err := msg.Term(); err != nil {
		slog.Warn("failed to terminate message", "subject", msg.Subject(), "error", err)
	}
	a.Kind = events.AlertDeadLetter
	if err := ing.Alert(context.Background(), a); err != nil {
		slog.Warn("failed to publish dead letter alert", "error", err)
	}
}

func (ing *Ingester) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack message", "subject", msg.Subject(), "error", err)
	}
}

func (ing *Ingester) publishReply(evt events.InboundEvent, r pipeline.Reply) {
	if err := ing.Deliver(evt.AgentID, evt.Channel, r); err != nil {
		slog.Error("failed to publish reply",
			"channel", evt.Channel,
			"conversation_key", r.ConversationKey,
			"error", err,
		)
	}
}

// Deliver publishes r on the outbound subject of channel. Manager
// resolutions use it directly since no inbound message carries them.
func (ing *Ingester) Deliver(agentID, channel string, r pipeline.Reply) error {
	out := events.Reply{
		AgentID:         agentID,
		Channel:         channel,
		ConversationKey: r.ConversationKey,
		ExternalEventID: r.ExternalEventID,
		Text:            r.ReplyText,
		State:           string(r.State),
		BookingID:       r.BookingID,
		Duplicate:       r.Duplicate,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return ing.publish(out.Subject(), data)
}

// Alert publishes a on its alert subject. It satisfies pipeline.Alerter.
func (ing *Ingester) Alert(_ context.Context, a events.Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	return ing.publish(a.Subject(), a.Marshal())
}

// Publish sends a message to NATS.
func (ing *Ingester) Publish(subject string, data []byte) error {
	return ing.publish(subject, data)
}

// Stop stops consuming. Replies and alerts can still be published.
func (ing *Ingester) Stop() {
	for _, cc := range ing.subs {
		cc.Stop()
	}
	ing.subs = nil
}

// Close drains subscriptions and closes the NATS connection.
func (ing *Ingester) Close() {
	ing.Stop()
	if ing.nc != nil {
		ing.nc.Drain()
	}
}
