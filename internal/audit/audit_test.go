package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogServiceWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	svc := NewLogService(&buf)

	ctx := WithRequestID(context.Background(), "req-42")
	err := svc.LogEvent(ctx, &AuditEvent{
		EventType:  EventCreate,
		Action:     "CREATE",
		Resource:   "patient",
		ResourceID: "p1",
		Status:     "success",
		Details:    Details(map[string]int{"records": 1}),
	})
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "CREATE", line["event_type"])
	assert.Equal(t, "p1", line["resource_id"])
	assert.Equal(t, "req-42", line["request_id"])
	assert.Equal(t, `{"records":1}`, line["details"])

	_, err = svc.QueryEvents(ctx, nil, 0, 10)
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

func TestNopService(t *testing.T) {
	svc := NewNopService()
	assert.NoError(t, svc.LogEvent(context.Background(), &AuditEvent{}))
	_, err := svc.QueryEvents(context.Background(), nil, 0, 1)
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

type fakeCluster struct {
	mu       sync.Mutex
	paths    []string
	bodies   []string
	response string
	status   int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = io.WriteString(w, f.response)
}

func newElasticTestService(t *testing.T, cluster *fakeCluster) Service {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewElasticService(es, "postop_audit", io.Discard)
}

func TestElasticServiceIndexesIntoMonthlyIndex(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusCreated, response: `{"result":"created"}`}
	svc := newElasticTestService(t, cluster)

	err := svc.LogEvent(context.Background(), &AuditEvent{
		Timestamp: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
		EventType: EventRepair,
		Action:    "RESET_CORRUPT_COLLECTION",
		Resource:  "patient",
		Status:    "success",
	})
	require.NoError(t, err)

	require.Len(t, cluster.paths, 1)
	assert.Equal(t, "/postop_audit_2024.03/_doc", cluster.paths[0])
	assert.Contains(t, cluster.bodies[0], `"event_type":"REPAIR"`)
}

func TestElasticServiceReportsRejectedWrites(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusBadRequest, response: `{"error":"mapping"}`}
	svc := newElasticTestService(t, cluster)

	err := svc.LogEvent(context.Background(), &AuditEvent{EventType: EventCreate})
	assert.Error(t, err)
}

func TestElasticServiceQueryEvents(t *testing.T) {
	cluster := &fakeCluster{status: http.StatusOK, response: `{"hits":{"hits":[
		{"_source":{"event_type":"DELETE","action":"DELETE","resource":"patient","resource_id":"p9","status":"success"}}
	]}}`}
	svc := newElasticTestService(t, cluster)

	events, err := svc.QueryEvents(context.Background(), map[string]interface{}{"resource_id": "p9"}, 0, 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDelete, events[0].EventType)
	assert.Equal(t, "p9", events[0].ResourceID)

	require.Len(t, cluster.paths, 1)
	assert.True(t, strings.HasSuffix(cluster.paths[0], "/_search"))
	assert.Contains(t, cluster.bodies[0], `"resource_id":"p9"`)
	assert.Contains(t, cluster.bodies[0], `"size":20`)
}
