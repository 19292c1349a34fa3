// Package ingest implements the ingestion gateway: the
// authenticated POST /api/errors handler that validates, scrubs,
// fingerprints, and persists an incoming error event, then hands
// triggered alert rules to the notification dispatcher on a worker pool
// decoupled from the request-serving path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/alert"
	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/fingerprint"
	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify"
	"github.com/kluzzebass/errormonitor/internal/quota"
	"github.com/kluzzebass/errormonitor/internal/scrub"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// maxPayloadBytes bounds the request body.
const maxPayloadBytes = 100 * 1024

// maxStackFrames bounds the number of frames accepted in a payload.
const maxStackFrames = 200

// defaultKeyCacheTTL is how long a resolved API-key -> project lookup is
// cached in-process before a fresh store hit, invalidated early on
// rotation by the caller.
const defaultKeyCacheTTL = 30 * time.Second

// defaultQueueDepth bounds the in-process evaluation/dispatch queue,
// beyond which new triggers are shed rather than blocking ingestion.
const defaultQueueDepth = 1000

// defaultWorkers is the size of the evaluation/dispatch worker pool.
const defaultWorkers = 4

// Store is the slice of the Aggregation Store and Project Registry the
// gateway needs. It is a structural superset of alert.CountStore so a
// *store.Store satisfies both without adapters.
type Store interface {
	GetProjectByAPIKeyHash(ctx context.Context, hash string) (model.Project, error)
	IngestOccurrence(ctx context.Context, in store.UpsertInput, occ model.Occurrence) (id uuid.UUID, created bool, err error)
	GetErrorGroupByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (model.ErrorGroup, error)
	ListAlertRules(ctx context.Context, projectID uuid.UUID, enabledOnly bool) ([]model.AlertRule, error)
	CountOccurrencesForFingerprintSince(ctx context.Context, projectID uuid.UUID, fingerprint string, from time.Time) (int64, error)
}

// Config configures a Gateway. Store, Quota, and Dispatcher are required;
// the rest have sane defaults.
type Config struct {
	Store       Store
	Quota       *quota.Controller
	Dispatcher  *notify.Dispatcher
	Logger      *slog.Logger
	KeyCacheTTL time.Duration
	QueueDepth  int
	Workers     int
}

type cachedProject struct {
	project model.Project
	expires time.Time
}

// evalJob is one triggered-rule dispatch handed to the worker pool.
type evalJob struct {
	rule  model.AlertRule
	alert model.AlertSnapshot
}

// Gateway is the ingestion entry point: authenticate, rate-limit,
// validate, scrub, fingerprint, persist, evaluate, dispatch.
type Gateway struct {
	store      Store
	quota      *quota.Controller
	dispatcher *notify.Dispatcher
	validate   *validator.Validate
	log        *slog.Logger
	now        func() time.Time

	keyCacheTTL time.Duration
	keyCacheMu  sync.Mutex
	keyCache    map[string]cachedProject

	queue chan evalJob
}

// New builds a Gateway from cfg.
func New(cfg Config) *Gateway {
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Gateway{
		store:       cfg.Store,
		quota:       cfg.Quota,
		dispatcher:  cfg.Dispatcher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         logging.Default(cfg.Logger).With("component", "ingest.gateway"),
		now:         time.Now,
		keyCacheTTL: ttl,
		keyCache:    make(map[string]cachedProject),
		queue:       make(chan evalJob, depth),
	}
}

// Register mounts the ingestion endpoint on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/errors", g.handleIngest)
}

// Run starts the evaluation/dispatch worker pool and blocks until ctx is
// cancelled. It must run concurrently with the HTTP server so a slow
// channel send never blocks an ingest request.
func (g *Gateway) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = defaultWorkers
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.evalWorker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (g *Gateway) evalWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-g.queue:
			if _, err := g.dispatcher.Dispatch(ctx, job.rule, job.alert); err != nil {
				g.log.Error("dispatch failed", "rule", job.rule.ID, "fingerprint", job.alert.Fingerprint, "error", err)
			}
		}
	}
}

// InvalidateAPIKey drops a cached project lookup immediately, used by key
// rotation so a revoked key stops authenticating within the request it is
// rotated rather than after keyCacheTTL.
func (g *Gateway) InvalidateAPIKey(hash string) {
	g.keyCacheMu.Lock()
	defer g.keyCacheMu.Unlock()
	delete(g.keyCache, hash)
}

// framePayload is one entry of the incoming stackTrace array.
type framePayload struct {
	Function string `json:"function" validate:"max=500"`
	File     string `json:"file" validate:"max=500"`
	Line     int    `json:"line"`
	InApp    *bool  `json:"inApp,omitempty"`
}

// userContextPayload is the optional caller-identity snapshot.
type userContextPayload struct {
	ID      string `json:"id,omitempty" validate:"max=200"`
	Email   string `json:"email,omitempty" validate:"max=320"`
	IP      string `json:"ip,omitempty" validate:"max=64"`
	Segment string `json:"segment,omitempty" validate:"max=200"`
}

// errorPayload is the POST /api/errors request body.
type errorPayload struct {
	Message     string              `json:"message" validate:"required,max=10240"`
	StackTrace  []framePayload      `json:"stackTrace" validate:"max=200,dive"`
	Environment string              `json:"environment" validate:"required,max=100"`
	Severity    string              `json:"severity,omitempty" validate:"max=50"`
	Timestamp   *time.Time          `json:"timestamp,omitempty"`
	UserContext *userContextPayload `json:"userContext,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	SessionID   string              `json:"sessionId,omitempty" validate:"max=200"`
}

type ingestResponse struct {
	ErrorID     string `json:"errorId"`
	Fingerprint string `json:"fingerprint"`
	Count       int64  `json:"count"`
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)
	log := g.log.With("requestId", requestID)

	project, apiErr := g.authenticate(r)
	if apiErr != nil {
		g.writeError(w, log, apierr.StatusForAuth(false), apiErr)
		return
	}

	if res := g.quota.Allow(project.APIKeyHash); !res.Allowed {
		qerr := apierr.Quota("rate limit exceeded", int(res.RetryAfter/time.Second)+1)
		w.Header().Set("Retry-After", strconv.Itoa(qerr.RetryAfter))
		g.writeError(w, log, qerr.HTTPStatus(), qerr)
		return
	}

	payload, apiErr := g.decodeAndValidate(w, r)
	if apiErr != nil {
		g.writeError(w, log, apiErr.HTTPStatus(), apiErr)
		return
	}

	ts := g.now().UTC()
	if payload.Timestamp != nil {
		ts = payload.Timestamp.UTC()
	}
	severity := payload.Severity
	if severity == "" {
		severity = "error"
	}

	policy := project.Scrub
	scrubbedMsg := scrub.Field(scrub.NormalizeMessage(payload.Message), policy)
	scrubbedFrames := scrub.Frames(toScrubFrames(payload.StackTrace), policy)

	var scrubbedUC model.UserContext
	if payload.UserContext != nil {
		scrubbedUC = scrub.UserContext(model.UserContext{
			ID:      payload.UserContext.ID,
			Email:   payload.UserContext.Email,
			IP:      payload.UserContext.IP,
			Segment: payload.UserContext.Segment,
		}, policy)
	}
	scrubbedMeta := scrub.Metadata(payload.Metadata, policy)

	fp := fingerprint.Compute(fingerprint.Input{
		Message:     scrubbedMsg,
		Frames:      toFingerprintFrames(scrubbedFrames),
		Environment: payload.Environment,
		Severity:    severity,
	})
	stackStr := renderStackTrace(scrubbedFrames)

	occ := model.Occurrence{
		ID:          uuid.New(),
		Timestamp:   ts,
		Message:     scrubbedMsg,
		StackTrace:  stackStr,
		UserContext: scrubbedUC,
		Metadata:    scrubbedMeta,
		Environment: payload.Environment,
		SessionID:   payload.SessionID,
	}
	upsert := store.UpsertInput{
		ProjectID:   project.ID,
		Fingerprint: fp,
		Message:     scrubbedMsg,
		StackTrace:  stackStr,
		Environment: payload.Environment,
		Severity:    severity,
		Occurred:    ts,
	}

	errorID, isNew, err := g.store.IngestOccurrence(r.Context(), upsert, occ)
	if err != nil {
		// Degraded mode: never surface a transient store fault as a
		// 5xx to the caller; accept and drop instead.
		log.Warn("degraded mode: dropping event after persistence failure",
			"project", project.ID, "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}

	group, err := g.store.GetErrorGroupByFingerprint(r.Context(), project.ID, fp)
	if err != nil {
		log.Error("read back error group count failed", "project", project.ID, "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		ErrorID:     errorID.String(),
		Fingerprint: fp,
		Count:       group.Count,
	})

	g.evaluateAndDispatch(r.Context(), log, project, payload.Environment, fp, severity, scrubbedMsg, scrubbedUC, group.Count, isNew, ts)
}

func (g *Gateway) evaluateAndDispatch(
	ctx context.Context,
	log *slog.Logger,
	project model.Project,
	environment, fp, severity, message string,
	uc model.UserContext,
	count int64,
	isNew bool,
	detectedAt time.Time,
) {
	rules, err := g.store.ListAlertRules(ctx, project.ID, true)
	if err != nil {
		log.Error("list alert rules failed", "project", project.ID, "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	sb := alert.NewSnapshotBuilder(g.store, project.ID, alert.EventAttrs{
		Environment: environment,
		Severity:    severity,
		UserSegment: uc.Segment,
		Fingerprint: fp,
	}, detectedAt, isNew)

	for _, rule := range rules {
		metrics, err := sb.For(ctx, rule)
		if err != nil {
			log.Error("snapshot builder failed", "rule", rule.ID, "error", err)
			continue
		}
		result := alert.Evaluate(rule, metrics)
		if !result.Triggered {
			continue
		}

		snapshot := model.AlertSnapshot{
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			ProjectID:       project.ID,
			Fingerprint:     fp,
			Reason:          string(result.Reason),
			Message:         message,
			Environment:     environment,
			Severity:        severity,
			OccurrenceCount: count,
			DetectedAt:      detectedAt,
		}

		select {
		case g.queue <- evalJob{rule: rule, alert: snapshot}:
		default:
			log.Warn("dispatch queue full, dropping triggered alert", "rule", rule.ID, "fingerprint", fp)
		}
	}
}

func (g *Gateway) authenticate(r *http.Request) (model.Project, *apierr.Error) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		return model.Project{}, apierr.Auth("missing X-Api-Key header")
	}
	hash := auth.HashAPIKey(key)

	if p, ok := g.lookupCache(hash); ok {
		if p.Status != model.ProjectActive {
			return model.Project{}, apierr.Auth("project is disabled")
		}
		return p, nil
	}

	project, err := g.store.GetProjectByAPIKeyHash(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Project{}, apierr.Auth("invalid api key")
		}
		return model.Project{}, apierr.PersistenceTransient("api key lookup failed").Wrap(err)
	}
	g.storeCache(hash, project)

	if project.Status != model.ProjectActive {
		return model.Project{}, apierr.Auth("project is disabled")
	}
	return project, nil
}

func (g *Gateway) lookupCache(hash string) (model.Project, bool) {
	g.keyCacheMu.Lock()
	defer g.keyCacheMu.Unlock()
	entry, ok := g.keyCache[hash]
	if !ok || g.now().After(entry.expires) {
		return model.Project{}, false
	}
	return entry.project, true
}

func (g *Gateway) storeCache(hash string, project model.Project) {
	g.keyCacheMu.Lock()
	defer g.keyCacheMu.Unlock()
	g.keyCache[hash] = cachedProject{project: project, expires: g.now().Add(g.keyCacheTTL)}
}

func (g *Gateway) decodeAndValidate(w http.ResponseWriter, r *http.Request) (errorPayload, *apierr.Error) {
	var payload errorPayload
	body := http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&payload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errorPayload{}, apierr.Validation("payload exceeds maximum size",
				apierr.FieldError{Field: "body", Reason: fmt.Sprintf("exceeds %d bytes", maxPayloadBytes)})
		}
		return errorPayload{}, apierr.Validation("malformed request body",
			apierr.FieldError{Field: "body", Reason: err.Error()})
	}
	if len(payload.StackTrace) > maxStackFrames {
		return errorPayload{}, apierr.Validation("too many stack frames",
			apierr.FieldError{Field: "stackTrace", Reason: fmt.Sprintf("exceeds %d frames", maxStackFrames)})
	}

	if err := g.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]apierr.FieldError, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, apierr.FieldError{Field: fe.Field(), Reason: fe.Tag()})
			}
			return errorPayload{}, apierr.Validation("payload failed validation", details...)
		}
		return errorPayload{}, apierr.Validation("payload failed validation",
			apierr.FieldError{Field: "body", Reason: err.Error()})
	}
	return payload, nil
}

func toScrubFrames(frames []framePayload) []scrub.Frame {
	out := make([]scrub.Frame, len(frames))
	for i, f := range frames {
		inApp := true
		if f.InApp != nil {
			inApp = *f.InApp
		}
		out[i] = scrub.Frame{Function: f.Function, File: f.File, Line: f.Line, InApp: inApp}
	}
	return out
}

func toFingerprintFrames(frames []scrub.Frame) []fingerprint.Frame {
	out := make([]fingerprint.Frame, len(frames))
	for i, f := range frames {
		out[i] = fingerprint.Frame{Function: f.Function, File: f.File, Line: f.Line, InApp: f.InApp}
	}
	return out
}

func renderStackTrace(frames []scrub.Frame) string {
	if len(frames) == 0 {
		return ""
	}
	var b []byte
	for i, f := range frames {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, []byte(fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))...)
	}
	return string(b)
}

func (g *Gateway) writeError(w http.ResponseWriter, log *slog.Logger, status int, e *apierr.Error) {
	if status >= 500 {
		log.Error("ingest request failed", "message", e.Message, "cause", e.Unwrap())
	} else {
		log.Warn("ingest request rejected", "message", e.Message, "status", status)
	}
	writeJSON(w, status, apierr.NewEnvelope(e))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
