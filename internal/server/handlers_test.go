package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlovans/fieldcalc/internal/metrics"
	"github.com/dlovans/fieldcalc/internal/store"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const loanSchema = `[
	// amounts
	{"fieldName": "amount", "fieldType": "currency", "required": true},
	{"fieldName": "rate", "fieldType": "percentage"},
	{"fieldName": "interest", "fieldType": "currency",
	 "valueConditional": {"type": "formula", "formula": "ROUND({{amount}} * {{rate}} / 100, 2)"}},
	{"fieldName": "income", "fieldType": "currency", "category": "borrowers", "isRepeatableCategory": true}
]`

type testServer struct {
	router  *gin.Engine
	store   *store.Store
	metrics *metrics.Metrics
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger, _ := test.NewNullLogger()
	m := metrics.New()
	r := resolver.New(resolver.WithLogger(logger), resolver.WithObserver(m))
	h := NewHandlers(st, r, m, logger)
	h.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return &testServer{router: NewRouter(h, m, logger), store: st, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandleEvaluate(t *testing.T) {
	s := setupTestServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantValue  any
	}{
		{
			name:       "arithmetic",
			body:       `{"formula": "{{a}} * 2 + 1", "values": {"a": 20}}`,
			wantStatus: http.StatusOK,
			wantValue:  float64(41),
		},
		{
			name:       "date arithmetic",
			body:       `{"formula": "EOMONTH({{d}}, 0)", "values": {"d": "2024-02-10"}}`,
			wantStatus: http.StatusOK,
			wantValue:  "2024-02-29",
		},
		{
			name:       "missing formula",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "syntax error",
			body:       `{"formula": "1 +"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "EVAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/evaluate", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
				return
			}
			assert.Equal(t, tt.wantValue, decode[EvaluateResponse](t, w).Value)
		})
	}
}

func TestHandleResolve(t *testing.T) {
	s := setupTestServer(t)
	body := `{
		"fields": [
			{"fieldName": "a", "fieldType": "number"},
			{"fieldName": "b", "fieldType": "number", "valueConditional": {"type": "formula", "formula": "{{a}} + 1"}}
		],
		"record": {"a": 1, "b": 0, "overriddenFields": []}
	}`
	w := s.do(t, http.MethodPost, "/v1/resolve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ResolveResponse](t, w)
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, resolver.StateComputedLive, resp.Fields[1].State)
	assert.Equal(t, float64(2), resp.Fields[1].EffectiveValue)
	assert.Equal(t, map[string]any{"b": float64(2)}, resp.Update.Values)

	w = s.do(t, http.MethodPost, "/v1/resolve", `{"fields": [{"fieldName": "a", "fieldType": "blob"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_CONFIG", decode[ErrorResponse](t, w).Code)
}

func TestHandleHistory(t *testing.T) {
	s := setupTestServer(t)
	body := `{"record": {
		"amount": 300,
		"updatedAt": "now",
		"submissionSnapshots": [
			{"submissionNumber": 1, "submissionDate": "2025-01-01T00:00:00Z", "dataSnapshot": {"amount": 100, "updatedAt": "a"}},
			{"submissionNumber": 2, "submissionDate": "2025-02-01T00:00:00Z", "dataSnapshot": {"amount": 200, "updatedAt": "b"}}
		]
	}}`
	w := s.do(t, http.MethodPost, "/v1/history", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[HistoryResponse](t, w)
	assert.Len(t, resp.Changes["amount"], 2)
	assert.NotContains(t, resp.Changes, "updatedAt")
	assert.Empty(t, resp.Issues)

	w = s.do(t, http.MethodPost, "/v1/history", strings.Replace(body, `{"record"`, `{"field": "missing", "record"`, 1))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[HistoryResponse](t, w).Changes["missing"])
}

func TestSchemaEndpoints(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodPut, "/v1/schemas/loan", loanSchema)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/schemas/loan", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[SchemaResponse](t, w).Fields, 4)

	w = s.do(t, http.MethodPut, "/v1/schemas/bad", `[{"fieldName": "x", "fieldType": "number", "valueConditional": {"type": "formula", "formula": "{{nope}}"}}]`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "LINT_FAILED", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/schemas/bad", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordLifecycle(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/schemas/loan", loanSchema).Code)

	w := s.do(t, http.MethodPut, "/v1/records/L1", `{
		"amount": 1000, "rate": 5, "interest": 0,
		"borrowers": [{"_id": "b1", "income": 10}, {"_id": "b2", "income": 20}],
		"overriddenFields": ["borrowers[1].income"]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	put := decode[RecordResponse](t, w)
	assert.Equal(t, []string{"borrowers.b2.income"}, put.Record.OverriddenFields, "legacy keys are migrated")

	// view resolves without persisting
	w = s.do(t, http.MethodGet, "/v1/records/L1?context=loan", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[RecordResponse](t, w)
	require.NotNil(t, view.Update)
	assert.Equal(t, float64(50), view.Update.Values["interest"])
	assert.Equal(t, float64(0), view.Record.Data["interest"])

	// resolve persists write-backs
	w = s.do(t, http.MethodPost, "/v1/records/L1/resolve", `{"context": "loan"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(50), decode[RecordResponse](t, w).Record.Data["interest"])

	// override, then revert
	w = s.do(t, http.MethodPost, "/v1/records/L1/commands",
		`{"context": "loan", "command": "edit", "field": "interest", "value": 75, "editMode": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cmd := decode[CommandResponse](t, w)
	assert.Contains(t, cmd.Record.OverriddenFields, "interest")
	assert.Equal(t, float64(75), cmd.Record.Data["interest"])

	w = s.do(t, http.MethodPost, "/v1/records/L1/commands",
		`{"context": "loan", "command": "revert_to_computed", "field": "interest"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cmd = decode[CommandResponse](t, w)
	assert.NotContains(t, cmd.Record.OverriddenFields, "interest")
	assert.Equal(t, float64(50), cmd.Record.Data["interest"])

	// removing an instance drops its overrides
	w = s.do(t, http.MethodPost, "/v1/records/L1/commands",
		`{"context": "loan", "command": "remove_instance", "category": "borrowers", "instanceId": "b2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cmd = decode[CommandResponse](t, w)
	assert.Empty(t, cmd.Record.OverriddenFields)
	assert.Len(t, cmd.Record.Data["borrowers"], 1)

	w = s.do(t, http.MethodPost, "/v1/records/L1/commands",
		`{"context": "loan", "command": "edit", "field": "ghost", "value": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "FIELD_NOT_FOUND", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/records/L1/commands", `{"context": "loan", "command": "explode"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// submit appends a snapshot
	w = s.do(t, http.MethodPost, "/v1/records/L1/submit", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sub := decode[RecordResponse](t, w)
	require.Len(t, sub.Record.SubmissionSnapshots, 1)
	assert.Equal(t, 1, sub.Record.SubmissionSnapshots[0].SubmissionNumber)

	w = s.do(t, http.MethodGet, "/v1/records", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ids": ["L1"]}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/records/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInstanceEditsLand(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/v1/schemas/loan", loanSchema).Code)

	w := s.do(t, http.MethodPut, "/v1/records/L2", `{"amount": 100, "borrowers": [{"income": 10}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := decode[RecordResponse](t, w).Record.Instances("borrowers")
	require.Len(t, stored, 1)
	id := schema.InstanceID(stored[0])
	require.NotEmpty(t, id, "instance ids are assigned on write")

	viewedID := func() string {
		w := s.do(t, http.MethodGet, "/v1/records/L2?context=loan", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		for _, f := range decode[RecordResponse](t, w).Fields {
			if f.Field == "income" {
				return f.InstanceID
			}
		}
		return ""
	}
	assert.Equal(t, id, viewedID())
	assert.Equal(t, id, viewedID(), "ids are stable across views")

	w = s.do(t, http.MethodPost, "/v1/records/L2/commands",
		`{"context": "loan", "command": "edit", "field": "income", "category": "borrowers", "instanceId": "`+id+`", "value": 99}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/records/L2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(99), decode[RecordResponse](t, w).Record.Instances("borrowers")[0]["income"])

	w = s.do(t, http.MethodPost, "/v1/records/L2/commands",
		`{"context": "loan", "command": "edit", "field": "income", "category": "borrowers", "instanceId": "nope", "value": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "INSTANCE_NOT_FOUND", decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPost, "/v1/records/L2/commands",
		`{"context": "loan", "command": "edit", "field": "income", "value": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code, "repeatable fields need an instance id")
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, http.MethodGet, "/v1/health", "")

	w := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fieldcalc_http_requests_total{route="/v1/health",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger, _ := test.NewNullLogger()
	router := NewRouter(NewHandlers(st, resolver.New(), nil, logger), nil, logger, "https://forms.example.com")

	req := httptest.NewRequest(http.MethodOptions, "/v1/evaluate", nil)
	req.Header.Set("Origin", "https://forms.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://forms.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
