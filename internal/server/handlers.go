package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dlovans/fieldcalc/internal/config"
	"github.com/dlovans/fieldcalc/internal/metrics"
	"github.com/dlovans/fieldcalc/internal/store"
	"github.com/dlovans/fieldcalc/pkg/formula"
	"github.com/dlovans/fieldcalc/pkg/history"
	"github.com/dlovans/fieldcalc/pkg/ledger"
	"github.com/dlovans/fieldcalc/pkg/lint"
	"github.com/dlovans/fieldcalc/pkg/resolver"
	"github.com/dlovans/fieldcalc/pkg/schema"
)

var (
	errFieldNotFound    = errors.New("field not found")
	errInstanceNotFound = errors.New("instance not found")
	errNoFields         = errors.New("at least one field configuration is required")
)

// Handlers serves the fieldcalc API.
type Handlers struct {
	store    *store.Store
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewHandlers(st *store.Store, r *resolver.Resolver, m *metrics.Metrics, log logrus.FieldLogger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{store: st, resolver: r, metrics: m, log: log, now: time.Now}
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

// HandleEvaluate handles POST /v1/evaluate.
func (h *Handlers) HandleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := formula.Evaluate(req.Formula, req.Values)
	if err != nil {
		evalFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, EvaluateResponse{Value: v})
}

// HandleResolve handles POST /v1/resolve. Nothing is persisted.
func (h *Handlers) HandleResolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateConfigs(req.Fields); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_CONFIG"})
		return
	}
	in := resolver.Inputs{Record: req.Record, EditMode: req.EditMode, Profiles: req.Profiles}
	result := h.resolver.ResolveRecord(req.Fields, in)
	c.JSON(http.StatusOK, ResolveResponse{
		Fields: result.View(),
		Update: result.Update,
		Errors: nonNil(result.Errors),
	})
}

// HandleHistory handles POST /v1/history.
func (h *Handlers) HandleHistory(c *gin.Context) {
	var req HistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rec := req.Record
	resp := HistoryResponse{
		Changes: make(map[string][]history.ChangeEvent),
		Issues:  history.CheckSequence(rec.SubmissionSnapshots),
	}
	if req.Field != "" {
		resp.Changes[req.Field] = nonNil(history.ChangesForField(req.Field, rec.SubmissionSnapshots, rec.Data))
	} else {
		excluded := make(map[string]bool, len(req.Exclude))
		for _, f := range req.Exclude {
			excluded[f] = true
		}
		resp.Changes = history.AllChanges(rec.SubmissionSnapshots, rec.Data, excluded)
	}
	c.JSON(http.StatusOK, resp)
}

// HandlePutSchema handles PUT /v1/schemas/:context. The body is linted and
// stored only when it has no lint errors.
func (h *Handlers) HandlePutSchema(c *gin.Context) {
	name := c.Param("context")
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	result, err := lint.RunJSON(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	if !result.Valid {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "field configurations have lint errors",
			Code:    "LINT_FAILED",
			Details: result.Issues,
		})
		return
	}
	cfgs, err := schema.LoadConfigs(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.PutSchema(c.Request.Context(), name, cfgs); err != nil {
		h.internalError(c, "HandlePutSchema", name, err)
		return
	}
	c.JSON(http.StatusOK, SchemaResponse{Context: name, Fields: cfgs, Lint: result})
}

// HandleGetSchema handles GET /v1/schemas/:context.
func (h *Handlers) HandleGetSchema(c *gin.Context) {
	name := c.Param("context")
	cfgs, err := h.store.GetSchema(c.Request.Context(), name)
	if err != nil {
		h.storeError(c, "HandleGetSchema", name, err)
		return
	}
	c.JSON(http.StatusOK, SchemaResponse{Context: name, Fields: cfgs})
}

// HandlePutRecord handles PUT /v1/records/:id. Legacy index-based override
// keys are migrated to instance-id keys on the way in, and every repeatable
// instance is given its stable id before the record is stored.
func (h *Handlers) HandlePutRecord(c *gin.Context) {
	id := c.Param("id")
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}
	rec, err := schema.LoadRecord(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	if l, changed := ledger.MigrateLegacy(rec); changed {
		rec.OverriddenFields = l.Keys()
	}
	rec.EnsureAllInstanceIDs()
	if err := h.store.PutRecord(c.Request.Context(), id, rec); err != nil {
		h.internalError(c, "HandlePutRecord", id, err)
		return
	}
	c.JSON(http.StatusOK, RecordResponse{ID: id, Record: rec})
}

// HandleListRecords handles GET /v1/records.
func (h *Handlers) HandleListRecords(c *gin.Context) {
	ids, err := h.store.ListRecords(c.Request.Context())
	if err != nil {
		h.internalError(c, "HandleListRecords", "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": nonNil(ids)})
}

// HandleGetRecord handles GET /v1/records/:id?context=&edit=. With a context
// the response carries the resolved field view; the record itself is
// returned as stored.
func (h *Handlers) HandleGetRecord(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	rec, err := h.store.GetRecord(ctx, id)
	if err != nil {
		h.storeError(c, "HandleGetRecord", id, err)
		return
	}
	resp := RecordResponse{ID: id, Record: rec}

	if name := c.Query("context"); name != "" {
		cfgs, err := h.store.GetSchema(ctx, name)
		if err != nil {
			h.storeError(c, "HandleGetRecord", name, err)
			return
		}
		edit, _ := strconv.ParseBool(c.DefaultQuery("edit", "false"))
		in := resolver.Inputs{Record: rec, EditMode: edit}
		result := h.resolver.ResolveRecord(cfgs, in)
		resp.Fields = result.View()
		resp.Update = &result.Update
		resp.Errors = result.Errors
	}
	c.JSON(http.StatusOK, resp)
}

// HandleResolveRecord handles POST /v1/records/:id/resolve. Live write-backs
// are persisted.
func (h *Handlers) HandleResolveRecord(c *gin.Context) {
	id := c.Param("id")
	var req ResolveRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	cfgs, err := h.store.GetSchema(ctx, req.Context)
	if err != nil {
		h.storeError(c, "HandleResolveRecord", req.Context, err)
		return
	}

	var result resolver.RecordResult
	rec, err := h.store.UpdateRecord(ctx, id, func(cur *schema.Record) (*schema.Record, error) {
		result = h.resolver.ResolveRecord(cfgs, resolver.Inputs{Record: cur, Profiles: req.Profiles})
		return resolver.Apply(cur, result.Update), nil
	})
	if err != nil {
		h.storeError(c, "HandleResolveRecord", id, err)
		return
	}
	c.JSON(http.StatusOK, RecordResponse{ID: id, Record: rec, Update: &result.Update, Errors: result.Errors})
}

// HandleCommand handles POST /v1/records/:id/commands. The command runs
// against the latest stored record inside one optimistic transaction.
func (h *Handlers) HandleCommand(c *gin.Context) {
	id := c.Param("id")
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	cfgs, err := h.store.GetSchema(ctx, req.Context)
	if err != nil {
		h.storeError(c, "HandleCommand", req.Context, err)
		return
	}

	var update resolver.Update
	rec, err := h.store.UpdateRecord(ctx, id, func(cur *schema.Record) (*schema.Record, error) {
		u, err := h.command(cfgs, cur, req)
		if err != nil {
			return nil, err
		}
		update = u
		return resolver.Apply(cur, u), nil
	})
	switch {
	case errors.Is(err, errFieldNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "FIELD_NOT_FOUND"})
		return
	case errors.Is(err, errInstanceNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "INSTANCE_NOT_FOUND"})
		return
	case err != nil:
		h.storeError(c, "HandleCommand", id, err)
		return
	}
	c.JSON(http.StatusOK, CommandResponse{Record: rec, Update: update})
}

func (h *Handlers) command(cfgs []schema.FieldConfig, rec *schema.Record, req CommandRequest) (resolver.Update, error) {
	in := resolver.Inputs{Record: rec, EditMode: req.EditMode, Profiles: req.Profiles}
	if req.Command == CmdRemoveInstance {
		return h.resolver.RemoveInstance(in, req.Category, req.InstanceID), nil
	}

	cfg := findField(cfgs, req.Field, req.Category)
	if cfg == nil {
		return resolver.Update{}, fmt.Errorf("%w: %s", errFieldNotFound, req.Field)
	}
	if !resolver.Addressable(cfg, rec, req.InstanceID) {
		return resolver.Update{}, fmt.Errorf("%w: %s %q", errInstanceNotFound, cfg.Category, req.InstanceID)
	}
	switch req.Command {
	case CmdEdit:
		return h.resolver.Edit(cfg, in, req.InstanceID, req.Value), nil
	case CmdRevertToComputed:
		return h.resolver.RevertToComputed(cfg, in, req.InstanceID), nil
	case CmdRevertToInherited:
		return h.resolver.RevertToInherited(cfg, in, req.InstanceID), nil
	case CmdEnableOverride:
		return h.resolver.EnableOverride(cfg, in, req.InstanceID), nil
	case CmdUpdateProfile:
		return h.resolver.UpdateProfile(cfg, in, req.InstanceID), nil
	}
	return resolver.Update{}, fmt.Errorf("unknown command %q", req.Command)
}

// HandleSubmit handles POST /v1/records/:id/submit.
func (h *Handlers) HandleSubmit(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.store.UpdateRecord(c.Request.Context(), id, func(cur *schema.Record) (*schema.Record, error) {
		return history.Submit(cur, h.now()), nil
	})
	if err != nil {
		h.storeError(c, "HandleSubmit", id, err)
		return
	}
	c.JSON(http.StatusOK, RecordResponse{ID: id, Record: rec})
}

func findField(cfgs []schema.FieldConfig, name, category string) *schema.FieldConfig {
	for i := range cfgs {
		if cfgs[i].FieldName != name {
			continue
		}
		if category == "" || cfgs[i].Category == category {
			return &cfgs[i]
		}
	}
	return nil
}

func validateConfigs(cfgs []schema.FieldConfig) error {
	if len(cfgs) == 0 {
		return errNoFields
	}
	var errs []error
	for i := range cfgs {
		if err := schema.ValidateConfig(&cfgs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request body",
		Code:    "INVALID_REQUEST",
		Details: err.Error(),
	})
}

func evalFailed(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error(), Code: "EVAL_ERROR"}
	var ee *formula.EvalError
	if errors.As(err, &ee) {
		resp.Details = gin.H{"position": ee.Pos}
	}
	c.JSON(http.StatusUnprocessableEntity, resp)
}

func (h *Handlers) storeError(c *gin.Context, funcName, key string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, store.ErrExhausted):
		if h.metrics != nil {
			h.metrics.UpdateExhausted()
		}
		config.LogError(h.log, "server", funcName, key, nil, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	default:
		h.internalError(c, funcName, key, err)
	}
}

func (h *Handlers) internalError(c *gin.Context, funcName, key string, err error) {
	config.LogError(h.log, "server", funcName, key, nil, err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
