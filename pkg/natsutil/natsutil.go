// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation and redelivery bookkeeping.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader carries how many times a message has already failed.
const RetryHeader = "X-Retry-Count"

// Publisher is the subset of *nats.Conn used for publishing.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish serializes v as JSON and publishes it to subject.
// Trace context from ctx is injected into the message headers.
func Publish[T any](ctx context.Context, nc Publisher, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	return PublishRaw(ctx, nc, subject, data, nil)
}

// PublishRaw publishes data with the given headers plus trace context.
func PublishRaw(ctx context.Context, nc Publisher, subject string, data []byte, header nats.Header) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, vs := range header {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsutil: publish %s: %w", subject, err)
	}
	return nil
}

// Retries returns the value of RetryHeader, or 0 when absent or malformed.
func Retries(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Redeliver republishes msg's payload to subject with RetryHeader set to retries.
func Redeliver(ctx context.Context, nc Publisher, subject string, msg *nats.Msg, retries int) error {
	h := nats.Header{}
	h.Set(RetryHeader, strconv.Itoa(retries))
	return PublishRaw(ctx, nc, subject, msg.Data, h)
}

// Handler receives a decoded message along with the raw NATS message, whose
// headers and data are needed for redelivery.
type Handler[T any] func(ctx context.Context, v T, msg *nats.Msg)

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from the message headers. Malformed messages are
// logged and dropped. A non-empty queue joins a queue group.
func Subscribe[T any](nc *nats.Conn, subject, queue string, logger *slog.Logger, handler Handler[T]) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			logger.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v, msg)
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, cb)
	}
	return nc.Subscribe(subject, cb)
}
