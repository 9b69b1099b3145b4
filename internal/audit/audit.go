package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventCreate    EventType = "CREATE"
	EventModify    EventType = "MODIFY"
	EventDelete    EventType = "DELETE"
	EventRepair    EventType = "REPAIR"
	EventMigration EventType = "MIGRATION"
)

// ErrQueryUnsupported is returned by services that only write events.
var ErrQueryUnsupported = errors.New("audit: querying is not supported by this service")

type AuditEvent struct {
	Timestamp  time.Time       `json:"timestamp"`
	EventType  EventType       `json:"event_type"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	RequestID  string          `json:"request_id,omitempty"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details,omitempty"`
}

type Service interface {
	LogEvent(ctx context.Context, event *AuditEvent) error
	QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]AuditEvent, error)
}

// requestIDKey carries the HTTP request id into audit events.
type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Details marshals v for AuditEvent.Details, dropping it on failure.
func Details(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func newLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if out != nil {
		logger.SetOutput(out)
	}
	return logger
}

func stamp(ctx context.Context, event *AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = requestID(ctx)
	}
}

func logFields(event *AuditEvent) logrus.Fields {
	return logrus.Fields{
		"event_type":  event.EventType,
		"action":      event.Action,
		"resource":    event.Resource,
		"resource_id": event.ResourceID,
		"request_id":  event.RequestID,
		"status":      event.Status,
	}
}

type elasticService struct {
	es          *elasticsearch.Client
	indexPrefix string
	logger      *logrus.Logger
}

// NewElasticService indexes events into monthly indices named
// <indexPrefix>_YYYY.MM and mirrors them to the audit log.
func NewElasticService(esClient *elasticsearch.Client, indexPrefix string, out io.Writer) Service {
	return &elasticService{
		es:          esClient,
		indexPrefix: indexPrefix,
		logger:      newLogger(out),
	}
}

func (s *elasticService) LogEvent(ctx context.Context, event *AuditEvent) error {
	stamp(ctx, event)

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	index := s.indexPrefix + "_" + event.Timestamp.Format("2006.01")
	res, err := s.es.Index(
		index,
		strings.NewReader(string(payload)),
		s.es.Index.WithContext(ctx),
	)
	if err != nil {
		s.logger.WithError(err).Error("Failed to index audit event")
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		s.logger.WithField("status", res.Status()).Error("Audit index request rejected")
		return errors.New("audit: index request failed: " + res.Status())
	}

	s.logger.WithFields(logFields(event)).Info("Audit event logged")
	return nil
}

func (s *elasticService) QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]AuditEvent, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": buildQueryFilters(filters),
			},
		},
		"sort": []map[string]interface{}{
			{
				"timestamp": map[string]interface{}{
					"order": "desc",
				},
			},
		},
		"from": from,
		"size": size,
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.indexPrefix+"_*"),
		s.es.Search.WithBody(strings.NewReader(string(queryJSON))),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, errors.New("audit: search request failed: " + res.Status())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source AuditEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, err
	}

	events := make([]AuditEvent, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		events[i] = hit.Source
	}

	return events, nil
}

func buildQueryFilters(filters map[string]interface{}) []map[string]interface{} {
	must := make([]map[string]interface{}, 0, len(filters))

	for field, value := range filters {
		must = append(must, map[string]interface{}{
			"match": map[string]interface{}{
				field: value,
			},
		})
	}

	return must
}

type logService struct {
	logger *logrus.Logger
}

// NewLogService writes events to out as JSON lines only. It is used when
// no Elasticsearch cluster is configured.
func NewLogService(out io.Writer) Service {
	return &logService{logger: newLogger(out)}
}

func (s *logService) LogEvent(ctx context.Context, event *AuditEvent) error {
	stamp(ctx, event)
	entry := s.logger.WithFields(logFields(event))
	if len(event.Details) > 0 {
		entry = entry.WithField("details", string(event.Details))
	}
	entry.Info("Audit event logged")
	return nil
}

func (s *logService) QueryEvents(context.Context, map[string]interface{}, int, int) ([]AuditEvent, error) {
	return nil, ErrQueryUnsupported
}

type nopService struct{}

// NewNopService discards every event.
func NewNopService() Service { return nopService{} }

func (nopService) LogEvent(context.Context, *AuditEvent) error { return nil }

func (nopService) QueryEvents(context.Context, map[string]interface{}, int, int) ([]AuditEvent, error) {
	return nil, ErrQueryUnsupported
}
