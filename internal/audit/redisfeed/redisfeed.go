// Package redisfeed publishes audit events to a Redis stream so analytics
// consumers can follow the audit trail without polling Postgres.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/acuity/internal/audit"
)

var tracer = otel.Tracer("github.com/linnemanlabs/acuity/internal/audit/redisfeed")

// DefaultMaxLen is the approximate stream length kept by XADD trimming.
const DefaultMaxLen = 100_000

// Feed implements audit.Publisher on top of XADD.
type Feed struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New creates a Feed writing to stream. maxLen <= 0 uses DefaultMaxLen.
func New(client *redis.Client, stream string, maxLen int64) *Feed {
	if client == nil {
		panic(xerrors.New("redis client is required"))
	}
	if stream == "" {
		panic(xerrors.New("redis stream name is required"))
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Feed{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends the event as one stream entry. Lookup fields are stored
// flat next to the JSON payload so consumers can filter without decoding.
func (f *Feed) Publish(ctx context.Context, ev audit.Event) error {
	ctx, span := tracer.Start(ctx, "redisfeed.Publish", trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination.name", f.stream),
		attribute.String("acuity.event.type", string(ev.Type)),
	))
	defer span.End()

	if ev.Record == nil {
		err := fmt.Errorf("publish %s event: nil record", ev.Type)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	data, err := json.Marshal(ev.Record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal audit record: %w", err)
	}

	id, err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":       string(ev.Type),
			"audit_id":   ev.Record.ID,
			"tenant_id":  ev.Record.TenantID,
			"branch_id":  ev.Record.BranchID,
			"session_id": ev.Record.SessionID,
			"data":       string(data),
		},
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("xadd %s: %w", f.stream, err)
	}
	span.SetAttributes(attribute.String("messaging.message.id", id))
	return nil
}

// Ping checks connectivity to Redis.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (f *Feed) Close() error {
	return f.client.Close()
}
