// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/licenser/internal/logger"
	"github.com/Strob0t/licenser/internal/port/messagequeue"
)

// DefaultStream is the JetStream stream used when none is configured.
const DefaultStream = "LICENSER"

const (
	headerRequestID = "X-Request-ID"
	headerDLQReason = "X-DLQ-Reason"
	dlqSuffix       = ".dlq"

	// maxDeliver bounds redeliveries of a failing message before it is
	// parked on the subject's dead letter queue.
	maxDeliver = 4
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url,
		nats.Name("licenser"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
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

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   messagequeue.StreamSubjects,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// Publish sends a message to the given subject. The request ID and message
// ID carried by ctx travel as headers.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	var opts []jetstream.PublishOpt
	if id := messagequeue.MessageID(ctx); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := q.js.PublishMsg(ctx, msg, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject using a
// durable consumer, so acknowledged events are not replayed on restart.
// Payloads failing schema validation, and messages that keep failing after
// maxDeliver attempts, are moved to subject+".dlq".
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		BackOff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	hctx := ctx
	if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
		hctx = logger.WithRequestID(hctx, reqID)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.WarnContext(hctx, "message rejected", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(hctx, msg, err)
		return
	}

	if err := handler(hctx, msg.Subject(), msg.Data()); err != nil {
		delivered := uint64(1)
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		if delivered >= maxDeliver {
			slog.ErrorContext(hctx, "message handler failed, giving up", "subject", msg.Subject(), "attempts", delivered, "error", err)
			q.moveToDLQ(hctx, msg, err)
			return
		}
		slog.WarnContext(hctx, "message handler failed", "subject", msg.Subject(), "attempts", delivered, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(hctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(hctx, "nats ack failed", "error", ackErr)
	}
}

// moveToDLQ republishes msg on its dead letter subject and terminates the
// original so it is not redelivered.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg, reason error) {
	dlq := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: nats.Header{}}
	dlq.Header.Set(headerDLQReason, reason.Error())
	if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
		dlq.Header.Set(headerRequestID, reqID)
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "error", err)
	}
}

// Drain gracefully drains all subscriptions and closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return "licenser_" + r.Replace(subject)
}
