package jq

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type JobQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

func New(url string, logger *zap.Logger) (*JobQueue, error) {
	jq := &JobQueue{
		logger: logger.Named("jq"),
	}

	conn, err := nats.Connect(
		url,
		nats.ReconnectHandler(jq.reconnectHandler),
		nats.DisconnectErrHandler(jq.disconnectHandler),
		nats.ClosedHandler(jq.closeHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	jq.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	jq.js = js

	return jq, nil
}

func (jq *JobQueue) reconnectHandler(nc *nats.Conn) {
	jq.logger.Info("got reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (jq *JobQueue) disconnectHandler(_ *nats.Conn, err error) {
	jq.logger.Error("got disconnected", zap.Error(err))
}

func (jq *JobQueue) closeHandler(nc *nats.Conn) {
	jq.logger.Warn("connection closed", zap.Error(nc.LastError()))
}

// Stream makes sure a work-queue stream named name exists and captures
// subjects.
func (jq *JobQueue) Stream(ctx context.Context, name, description string, subjects []string) error {
	cfg := jetstream.StreamConfig{
		Name:        name,
		Description: description,
		Subjects:    subjects,
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	}

	_, err := jq.js.CreateStream(ctx, cfg)
	if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		_, err = jq.js.UpdateStream(ctx, cfg)
	}
	if err != nil {
		return fmt.Errorf("stream %s: %w", name, err)
	}
	return nil
}

// Produce publishes payload on subject. A non-empty msgID lets the server
// drop duplicates inside the stream's duplicate window.
func (jq *JobQueue) Produce(ctx context.Context, subject string, payload []byte, msgID string) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	if _, err := jq.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Consume attaches a durable consumer named consumer to stream and hands
// every message on subject to handler. The handler acks or naks.
func (jq *JobQueue) Consume(ctx context.Context, stream, consumer, subject string, maxAckPending int, handler func(jetstream.Msg)) (jetstream.ConsumeContext, error) {
	cons, err := jq.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: subject,
		MaxAckPending: maxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", consumer, err)
	}

	cc, err := cons.Consume(handler)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", consumer, err)
	}
	return cc, nil
}

func (jq *JobQueue) Close() {
	if jq.conn != nil {
		jq.conn.Close()
	}
}
