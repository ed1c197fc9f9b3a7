package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

func TestObserverCounts(t *testing.T) {
	m := New()
	r := resolver.New(resolver.WithObserver(m))

	configs := []schema.FieldConfig{
		{FieldName: "a", FieldType: schema.TypeNumber},
		{FieldName: "b", FieldType: schema.TypeNumber, ValueConditional: &schema.ValueConditional{
			Type: schema.KindFormula, Formula: "{{a}} * 2",
		}},
	}
	rec := schema.NewRecord()
	rec.Data["a"] = 2
	r.ResolveRecord(configs, resolver.Inputs{Record: rec})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.formulaEvaluations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("plain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("computed_live")))
}

func TestOutcome(t *testing.T) {
	_, syntaxErr := formula.Evaluate("1 +", nil)
	require.Error(t, syntaxErr)

	m := New()
	m.Evaluated("x", time.Millisecond, syntaxErr)
	m.Evaluated("x", time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.formulaEvaluations.WithLabelValues("invalid_formula")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.formulaEvaluations.WithLabelValues("ok")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Request("/v1/evaluate", http.StatusOK, 2*time.Millisecond)
	m.UpdateExhausted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fieldcalc_http_requests_total{route="/v1/evaluate",status="200"} 1`), body)
	assert.Contains(t, body, "fieldcalc_store_update_failures_total 1")
	assert.Contains(t, body, "go_goroutines")
}
