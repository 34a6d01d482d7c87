package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/model"
	"authcore/internal/util"
)

const (
	bufferSize    = 4096
	maxBatchSize  = 500
	flushInterval = time.Second
)

// Sink is the append-only audit trail. Record never blocks the caller: events
// go through a buffered channel to a background flusher that batches them into
// ClickHouse and mirrors them into Elasticsearch for search. When the buffer
// is full the event is dropped, the drop is logged, and a write-failure
// escalation is published so the loss is observable.
type Sink struct {
	ch      *client.ClickHouseClient
	es      *client.ESClient
	kafka   *client.KafkaProducer
	buckets *bucketing.Manager

	table string
	index string

	events  chan model.AuditEvent
	dropped atomic.Int64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewSink(ch *client.ClickHouseClient, es *client.ESClient, kafka *client.KafkaProducer, buckets *bucketing.Manager, table, index string) *Sink {
	s := &Sink{
		ch:      ch,
		es:      es,
		kafka:   kafka,
		buckets: buckets,
		table:   table,
		index:   index,
		events:  make(chan model.AuditEvent, bufferSize),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues one event. Non-blocking: a full buffer drops the event
// rather than stalling the security path that produced it.
func (s *Sink) Record(event model.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.EventBucket = s.buckets.EventBucket(event.SubjectID + event.MaskedIdentity)

	select {
	case s.events <- event:
	default:
		n := s.dropped.Add(1)
		util.Error("audit buffer full, event dropped",
			zap.String("event_type", event.EventType),
			zap.Int64("total_dropped", n))
		s.escalateDrop(event)
	}
}

func (s *Sink) escalateDrop(event model.AuditEvent) {
	if s.kafka == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kafka.Escalate(ctx, event.SubjectID, model.EventAuditWriteFailure, event); err != nil {
		util.Error("failed to escalate dropped audit event", zap.Error(err))
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEvent, 0, maxBatchSize)
	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stop:
			// Drain whatever arrived before shutdown.
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *Sink) flush(batch []model.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{
			ev.EventID, ev.EventBucket, ev.CreatedAt.Format("2006-01-02"),
			ev.EventType, ev.SubjectID, ev.MaskedIdentity, ev.Origin,
			ev.Context, ev.CreatedAt,
		})
	}

	query := fmt.Sprintf(`INSERT INTO %s (
        event_id, event_bucket, event_date, event_type,
        subject_id, masked_identity, origin, context, created_at)`, s.table)

	if err := s.ch.BatchInsert(ctx, query, rows); err != nil {
		util.Error("failed to flush audit batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		if s.kafka != nil {
			if kerr := s.kafka.Escalate(ctx, "audit", model.EventAuditWriteFailure,
				map[string]interface{}{"batch_size": len(batch), "error": err.Error()}); kerr != nil {
				util.Error("failed to escalate audit write failure", zap.Error(kerr))
			}
		}
		return
	}

	s.mirror(ctx, batch)

	util.Debug("audit batch flushed", zap.Int("batch_size", len(batch)))
}

// mirror copies the batch into the search index. Best effort: ClickHouse is
// the system of record and a failed mirror only degrades search freshness.
func (s *Sink) mirror(ctx context.Context, batch []model.AuditEvent) {
	if s.es == nil {
		return
	}
	for _, ev := range batch {
		res, err := s.es.IndexDocument(ctx, s.index, ev.EventID, ev)
		if err != nil {
			util.Warn("failed to mirror audit event to search index", zap.Error(err))
			return
		}
		res.Body.Close()
	}
}

// Dropped reports how many events were lost to buffer pressure since start.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the flusher after draining buffered events.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

// Query reads events back from the system of record, newest first.
func (s *Sink) Query(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Origin != "" {
		conds = append(conds, "origin = ?")
		args = append(args, filter.Origin)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.To)
	}

	query := fmt.Sprintf(`SELECT event_id, event_bucket, event_type,
        subject_id, masked_identity, origin, context, created_at FROM %s`, s.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.ch.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.EventID, &ev.EventBucket, &ev.EventType,
			&ev.SubjectID, &ev.MaskedIdentity, &ev.Origin,
			&ev.Context, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Search runs a filtered full-text query against the search mirror.
func (s *Sink) Search(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	if s.es == nil {
		return s.Query(ctx, filter)
	}

	must := []map[string]interface{}{}
	if filter.EventType != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"event_type": filter.EventType},
		})
	}
	if filter.SubjectID != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"subject_id": filter.SubjectID},
		})
	}
	if filter.Origin != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"origin": filter.Origin},
		})
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		rangeFilter := map[string]interface{}{}
		if !filter.From.IsZero() {
			rangeFilter["gte"] = filter.From
		}
		if !filter.To.IsZero() {
			rangeFilter["lt"] = filter.To
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"created_at": rangeFilter},
		})
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"size": limit,
	}

	res, err := s.es.Search(ctx, s.index, esQuery)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source model.AuditEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	events := make([]model.AuditEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, nil
}
