package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/models"
)

// Multi writes every event to all sinks in parallel.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Write(ctx context.Context, event models.SecurityEvent) error {
	errs := make([]error, len(m))

	var g errgroup.Group
	for i, s := range m {
		i, s := i, s
		g.Go(func() error {
			if err := s.Write(ctx, event); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e models.SecurityEvent) error {
	s.logger.Info("security event",
		zap.String("event_id", e.EventID),
		zap.String("event_type", e.EventType),
		zap.String("user_id", e.UserID),
		zap.String("email", e.Email),
		zap.String("ip", e.IPAddress),
		zap.Bool("success", e.Success),
		zap.Any("details", e.Details))
	return nil
}

// Execer runs a ClickHouse statement.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

const (
	createSecurityEventsTable = `
        CREATE TABLE IF NOT EXISTS security_events (
            event_id String,
            event_bucket UInt16,
            event_date Date,
            event_time DateTime64(3, 'UTC'),
            event_type LowCardinality(String),
            user_id String,
            email String,
            ip_address String,
            user_agent String,
            success Bool,
            details String
        ) ENGINE = MergeTree
        PARTITION BY toYYYYMM(event_date)
        ORDER BY (event_type, event_date, event_bucket, event_time)`

	insertSecurityEvent = `
        INSERT INTO security_events (event_id, event_bucket, event_date, event_time,
            event_type, user_id, email, ip_address, user_agent, success, details)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// ClickHouseSink appends events to the security_events table.
type ClickHouseSink struct {
	db Execer
}

func NewClickHouseSink(db Execer) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

// EnsureTable creates security_events when it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.db.Exec(ctx, createSecurityEventsTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, e models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}
	return s.db.Exec(ctx, insertSecurityEvent,
		e.EventID, uint16(e.EventBucket), e.EventTime, e.EventTime, e.EventType,
		e.UserID, e.Email, e.IPAddress, e.UserAgent, e.Success, string(details))
}

// Indexer stores a JSON document.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events into a daily index, <index>-YYYY.MM.DD.
type ElasticsearchSink struct {
	es    Indexer
	index string
}

func NewElasticsearchSink(es Indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, e models.SecurityEvent) error {
	index := s.index + "-" + e.EventTime.UTC().Format("2006.01.02")
	return s.es.IndexDocument(ctx, index, e.EventID, e)
}
