// Package pipeline runs the per-tenant provisioning and ingestion sequence.
// For every tenant group, in order, it creates an index, creates a search
// application bound to it, stages the tenant's records, uploads the staged
// file and triggers an import from the uploaded location. Each step is fully
// awaited before the next begins.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/batch"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/credentials"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/staging"
	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/tracing"
	"github.com/google/uuid"
)

// DefaultDestinationName is the object name every tenant's staged file is
// uploaded under.
const DefaultDestinationName = "documents.jsonl"

// State is the phase a tenant (or the batch) is in.
type State string

const (
	StateLoading      State = "loading"
	StateProvisioning State = "provisioning"
	StateStaging      State = "staging"
	StateUploading    State = "uploading"
	StateImporting    State = "importing"
	StateCleanup      State = "cleanup"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Policy decides what happens to the rest of the batch when a tenant fails.
type Policy string

const (
	// PolicyAbort stops at the first failing tenant. Later tenants are never
	// attempted and earlier ones stay provisioned.
	PolicyAbort Policy = "abort"
	// PolicyContinue records the failure and moves on to the next tenant.
	PolicyContinue Policy = "continue"
)

// Provisioner creates the per-tenant remote resources.
type Provisioner interface {
	CreateIndex(ctx context.Context, token, indexID, displayName string) error
	CreateSearchApp(ctx context.Context, token, appID, indexID, displayName string) error
}

// Importer triggers and tracks document imports.
type Importer interface {
	ImportDocuments(ctx context.Context, token, indexID, locator string) (*indexing.Operation, error)
	WaitForOperation(ctx context.Context, token indexing.TokenFunc, name string, interval time.Duration) (*indexing.Operation, error)
}

// Uploader puts a local file into the object store and returns its locator.
type Uploader interface {
	Upload(ctx context.Context, localPath, destinationName, tenantPrefix string) (string, error)
}

// Stager writes a tenant group to a local staged file.
type Stager interface {
	Build(runID string, group batch.TenantGroup) (*staging.File, error)
}

// Config wires an Orchestrator. Ledger, Events and Metrics are optional.
type Config struct {
	Tokens             credentials.Source
	Provisioner        Provisioner
	Importer           Importer
	Uploader           Uploader
	Stager             Stager
	Ledger             ledger.Ledger
	Events             EventPublisher
	Metrics            *metrics.Metrics
	DisplayNamePrefix  string
	DestinationName    string
	WaitForImport      bool
	ImportPollInterval time.Duration
	ImportTimeout      time.Duration
}

// RunOptions parameterise one batch run. Empty fields take defaults: a new
// UUID run id, a batch id from the start time and PolicyAbort.
type RunOptions struct {
	RunID   string
	BatchID string
	Policy  Policy
}

// ProvisionedResource is a tenant's index and search application.
type ProvisionedResource struct {
	TenantKey      string    `json:"tenant_key"`
	IndexID        string    `json:"index_id"`
	SearchAppID    string    `json:"search_app_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	BatchID        string    `json:"batch_id"`
	ProvisionedAt  time.Time `json:"provisioned_at"`
	Reused         bool      `json:"reused"`
}

// TenantResult is the outcome for one tenant.
type TenantResult struct {
	TenantKey  string           `json:"tenant_key"`
	State      State            `json:"state"`
	FailedIn   State            `json:"failed_in,omitempty"`
	Error      string           `json:"error,omitempty"`
	Documents  int              `json:"documents"`
	Duplicates int              `json:"duplicates,omitempty"`
	Locator    string           `json:"locator,omitempty"`
	Operation  string           `json:"operation,omitempty"`
	Duration   time.Duration    `json:"duration_ns"`
	StepsMS    map[string]int64 `json:"steps_ms,omitempty"`
}

// Report describes one batch run. It replaces any process-wide registry of
// provisioned resources: Resources only holds what this run provisioned or
// reused, keyed by tenant.
type Report struct {
	RunID      string                         `json:"run_id"`
	BatchID    string                         `json:"batch_id"`
	Policy     Policy                         `json:"policy"`
	StartedAt  time.Time                      `json:"started_at"`
	FinishedAt time.Time                      `json:"finished_at"`
	Tenants    []TenantResult                 `json:"tenants"`
	Resources  map[string]ProvisionedResource `json:"resources"`
	Error      string                         `json:"error,omitempty"`
}

// Processed returns the number of tenants that reached StateDone.
func (r *Report) Processed() int {
	n := 0
	for _, t := range r.Tenants {
		if t.State == StateDone {
			n++
		}
	}
	return n
}

// Failed returns the results of tenants that did not complete.
func (r *Report) Failed() []TenantResult {
	var out []TenantResult
	for _, t := range r.Tenants {
		if t.State == StateFailed {
			out = append(out, t)
		}
	}
	return out
}

// TenantFailure is one failed tenant inside a BatchError.
type TenantFailure struct {
	TenantKey string
	State     State
	Err       error
}

// BatchError is returned under PolicyContinue when one or more tenants
// failed.
type BatchError struct {
	Failures []TenantFailure
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.TenantKey, f.State, f.Err))
	}
	return fmt.Sprintf("%d tenant(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Orchestrator sequences the remote calls for each tenant.
type Orchestrator struct {
	cfg     Config
	tokens  credentials.Source
	ledger  ledger.Ledger
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.DestinationName == "" {
		cfg.DestinationName = DefaultDestinationName
	}
	if cfg.ImportPollInterval <= 0 {
		cfg.ImportPollInterval = 5 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		tokens:  cfg.Tokens,
		ledger:  cfg.Ledger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		now:     time.Now,
		logger:  logger.WithComponent("orchestrator"),
	}
}

// Run processes groups in order. Under PolicyAbort the first tenant error
// ends the run and is returned; under PolicyContinue a *BatchError lists
// every failed tenant. The report is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context, groups []batch.TenantGroup, opts RunOptions) (*Report, error) {
	started := o.now()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.BatchID == "" {
		opts.BatchID = DefaultBatchID(started)
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyAbort
	case PolicyAbort, PolicyContinue:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "unknown failure policy %q", opts.Policy)
	}

	report := &Report{
		RunID:     opts.RunID,
		BatchID:   opts.BatchID,
		Policy:    opts.Policy,
		StartedAt: started,
		Tenants:   make([]TenantResult, 0, len(groups)),
		Resources: make(map[string]ProvisionedResource, len(groups)),
	}

	ctx = logger.WithRunID(ctx, opts.RunID)
	ctx, span := tracing.StartSpan(ctx, "batch", opts.RunID)
	span.SetAttr("batch_id", opts.BatchID)
	span.SetAttr("tenants", len(groups))
	log := logger.FromContext(ctx).With("component", "orchestrator", "batch_id", opts.BatchID)
	log.Info("batch started", "tenants", len(groups), "records", batch.Count(groups), "policy", opts.Policy)

	var runErr error
	var failures []TenantFailure
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("batch cancelled before tenant %s: %w", group.Key, err)
			break
		}
		result, err := o.processTenant(ctx, report, group)
		report.Tenants = append(report.Tenants, result)
		if err == nil {
			continue
		}
		if opts.Policy == PolicyAbort {
			runErr = fmt.Errorf("tenant %s: %w", group.Key, err)
			log.Warn("aborting batch", "tenant", group.Key, "remaining", len(groups)-len(report.Tenants))
			break
		}
		failures = append(failures, TenantFailure{TenantKey: group.Key, State: result.FailedIn, Err: err})
	}
	if runErr == nil && len(failures) > 0 {
		runErr = &BatchError{Failures: failures}
	}

	report.FinishedAt = o.now()
	if runErr != nil {
		report.Error = runErr.Error()
	}
	span.SetAttr("processed", report.Processed())
	span.Fail(runErr)
	span.End()
	span.Log()

	o.recordBatch(report, runErr)
	o.publish(ctx, Event{
		Type:       EventBatchCompleted,
		RunID:      report.RunID,
		BatchID:    report.BatchID,
		Processed:  report.Processed(),
		Failed:     len(report.Failed()),
		DurationMS: report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
		Error:      report.Error,
	})

	if runErr != nil {
		log.Error("batch failed",
			"processed", report.Processed(),
			"failed", len(report.Failed()),
			"error", runErr,
		)
		return report, runErr
	}
	log.Info("batch completed",
		"processed", report.Processed(),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// tenantRun tracks one tenant's progress through the states.
type tenantRun struct {
	result TenantResult
	log    *slog.Logger
	start  time.Time
}

func (t *tenantRun) enter(s State) {
	t.log.Info("tenant state", "from", t.result.State, "to", s)
	t.result.State = s
}

func (o *Orchestrator) processTenant(ctx context.Context, report *Report, group batch.TenantGroup) (TenantResult, error) {
	ctx, span := tracing.StartChildSpan(ctx, "tenant")
	span.SetAttr("tenant", group.Key)
	defer span.End()

	t := &tenantRun{
		result: TenantResult{TenantKey: group.Key, State: StateLoading},
		log:    logger.FromContext(ctx).With("component", "orchestrator", "tenant", group.Key),
		start:  o.now(),
	}
	err := o.runTenant(ctx, t, report, group)
	t.result.Duration = o.now().Sub(t.start)
	if steps := span.ChildDurations(); len(steps) > 0 {
		t.result.StepsMS = make(map[string]int64, len(steps))
		for name, d := range steps {
			t.result.StepsMS[name] = d.Milliseconds()
		}
	}

	res, ok := report.Resources[group.Key]
	if err != nil {
		span.Fail(err)
		t.result.FailedIn = t.result.State
		t.result.Error = err.Error()
		t.enter(StateFailed)
		t.log.Error("tenant failed", "failed_in", t.result.FailedIn, "error", err)
		o.countTenant(StateFailed)
		ev := Event{
			Type:      EventTenantFailed,
			RunID:     report.RunID,
			BatchID:   report.BatchID,
			TenantKey: group.Key,
			State:     t.result.FailedIn,
			Error:     err.Error(),
		}
		if ok {
			ev.IndexID, ev.SearchAppID = res.IndexID, res.SearchAppID
		}
		o.publish(ctx, ev)
		return t.result, err
	}

	t.enter(StateDone)
	o.countTenant(StateDone)
	o.publish(ctx, Event{
		Type:        EventTenantIngested,
		RunID:       report.RunID,
		BatchID:     report.BatchID,
		TenantKey:   group.Key,
		IndexID:     res.IndexID,
		SearchAppID: res.SearchAppID,
		Documents:   t.result.Documents,
		Locator:     t.result.Locator,
		Operation:   t.result.Operation,
	})
	return t.result, nil
}

func (o *Orchestrator) runTenant(ctx context.Context, t *tenantRun, report *Report, group batch.TenantGroup) error {
	t.enter(StateProvisioning)
	resource, err := o.provision(ctx, t, group.Key, report.BatchID)
	if err != nil {
		return err
	}
	report.Resources[group.Key] = resource

	t.enter(StateStaging)
	var file *staging.File
	err = o.step(ctx, "stage", false, func(ctx context.Context) error {
		var err error
		file, err = o.cfg.Stager.Build(report.RunID, group)
		return err
	})
	if err != nil {
		return err
	}
	defer o.removeStaged(t, file)
	t.result.Documents = file.Documents
	t.result.Duplicates = file.Duplicates
	if o.metrics != nil {
		o.metrics.DocumentsStaged.Add(float64(file.Documents))
		o.metrics.DuplicateDocuments.Add(float64(file.Duplicates))
	}

	t.enter(StateUploading)
	var locator string
	err = o.step(ctx, "upload", true, func(ctx context.Context) error {
		var err error
		locator, err = o.cfg.Uploader.Upload(ctx, file.Path, o.cfg.DestinationName, group.Key)
		return err
	})
	if err != nil {
		return err
	}
	t.result.Locator = locator

	t.enter(StateImporting)
	op, err := o.importDocuments(ctx, resource.IndexID, locator)
	if err != nil {
		return err
	}
	t.result.Operation = op.Name

	t.enter(StateCleanup)
	o.removeStaged(t, file)
	return nil
}

// provision returns the tenant's resources, creating them unless the ledger
// already holds an entry for this tenant and batch.
func (o *Orchestrator) provision(ctx context.Context, t *tenantRun, tenantKey, batchID string) (ProvisionedResource, error) {
	ids := DeriveIDs(tenantKey, batchID, o.cfg.DisplayNamePrefix)
	resource := ProvisionedResource{
		TenantKey:      tenantKey,
		IndexID:        ids.IndexID,
		SearchAppID:    ids.SearchAppID,
		IdempotencyKey: ids.IdempotencyKey,
		BatchID:        batchID,
	}

	if o.ledger != nil {
		entry, err := o.ledger.Lookup(ctx, ids.IdempotencyKey)
		if err != nil {
			return resource, apperrors.Newf(apperrors.ErrInternal, http.StatusInternalServerError,
				"looking up tenant %s in ledger: %v", tenantKey, err)
		}
		if entry != nil && entry.TenantKey != tenantKey {
			return resource, apperrors.Newf(apperrors.ErrConflict, http.StatusConflict,
				"idempotency key %s for tenant %s is already held by tenant %s",
				ids.IdempotencyKey, tenantKey, entry.TenantKey)
		}
		if entry != nil {
			t.log.Info("resources already provisioned, skipping create",
				"index_id", entry.IndexID,
				"search_app_id", entry.SearchAppID,
				"idempotency_key", ids.IdempotencyKey,
			)
			if o.metrics != nil {
				o.metrics.ResourcesReused.Inc()
			}
			resource.IndexID = entry.IndexID
			resource.SearchAppID = entry.SearchAppID
			resource.ProvisionedAt = entry.ProvisionedAt
			resource.Reused = true
			return resource, nil
		}
	}

	err := o.step(ctx, "create_index", true, func(ctx context.Context) error {
		token, err := o.token(ctx)
		if err != nil {
			return err
		}
		return o.cfg.Provisioner.CreateIndex(ctx, token, ids.IndexID, ids.DisplayName)
	})
	if err != nil {
		return resource, err
	}
	err = o.step(ctx, "create_search_app", true, func(ctx context.Context) error {
		token, err := o.token(ctx)
		if err != nil {
			return err
		}
		return o.cfg.Provisioner.CreateSearchApp(ctx, token, ids.SearchAppID, ids.IndexID, ids.DisplayName)
	})
	if err != nil {
		return resource, err
	}
	resource.ProvisionedAt = o.now().UTC()

	if o.ledger != nil {
		err := o.ledger.Record(ctx, ledger.Entry{
			IdempotencyKey: ids.IdempotencyKey,
			TenantKey:      tenantKey,
			IndexID:        ids.IndexID,
			SearchAppID:    ids.SearchAppID,
			BatchID:        batchID,
			ProvisionedAt:  resource.ProvisionedAt,
		})
		if err != nil {
			t.log.Warn("provisioned resources not recorded in ledger", "error", err)
		}
	}
	return resource, nil
}

func (o *Orchestrator) importDocuments(ctx context.Context, indexID, locator string) (*indexing.Operation, error) {
	var op *indexing.Operation
	err := o.step(ctx, "import_documents", true, func(ctx context.Context) error {
		token, err := o.token(ctx)
		if err != nil {
			return err
		}
		op, err = o.cfg.Importer.ImportDocuments(ctx, token, indexID, locator)
		return err
	})
	if err != nil {
		return nil, err
	}
	if op.Done && op.Error != nil && op.Error.Code != 0 {
		return op, apperrors.Newf(apperrors.ErrImport, http.StatusBadGateway,
			"import into %s failed: %s", indexID, op.Error.Message)
	}
	if !o.cfg.WaitForImport || op.Done || op.Name == "" {
		return op, nil
	}

	err = o.step(ctx, "wait_import", true, func(ctx context.Context) error {
		if o.cfg.ImportTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.ImportTimeout)
			defer cancel()
		}
		done, err := o.cfg.Importer.WaitForOperation(ctx, o.token, op.Name, o.cfg.ImportPollInterval)
		if done != nil {
			op = done
		}
		return err
	})
	return op, err
}

// token asks the credential source for a token before each remote call.
func (o *Orchestrator) token(ctx context.Context) (string, error) {
	tok, err := o.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) {
			return "", err
		}
		return "", apperrors.Newf(apperrors.ErrAuth, http.StatusBadGateway, "fetching access token: %v", err)
	}
	return tok.Value, nil
}

// step runs fn inside a tracing span and records its duration. Remote steps
// also count towards the remote call outcome metric.
func (o *Orchestrator) step(ctx context.Context, name string, remote bool, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartChildSpan(ctx, name)
	start := o.now()
	err := fn(ctx)
	span.Fail(err)
	span.End()
	if remote && errors.Is(err, indexing.ErrTokenRejected) {
		o.dropToken()
	}
	if o.metrics != nil {
		o.metrics.StepDuration.WithLabelValues(name).Observe(o.now().Sub(start).Seconds())
		if remote {
			status := "success"
			if err != nil {
				status = "error"
			}
			o.metrics.RemoteCallsTotal.WithLabelValues(name, status).Inc()
		}
	}
	return err
}

// tokenInvalidator is implemented by token sources that cache.
type tokenInvalidator interface {
	Invalidate()
}

// dropToken discards a cached token the service refused so the next remote
// call fetches a fresh one. The refused call itself is not repeated.
func (o *Orchestrator) dropToken() {
	if inv, ok := o.tokens.(tokenInvalidator); ok {
		inv.Invalidate()
		o.logger.Warn("access token rejected by indexing service, cached token dropped")
	}
}

func (o *Orchestrator) removeStaged(t *tenantRun, file *staging.File) {
	if err := file.Remove(); err != nil {
		t.log.Warn("staged file not removed", "path", file.Path, "error", err)
	}
}

func (o *Orchestrator) countTenant(s State) {
	if o.metrics != nil {
		o.metrics.TenantsTotal.WithLabelValues(string(s)).Inc()
	}
}

func (o *Orchestrator) recordBatch(report *Report, err error) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	o.metrics.BatchesTotal.WithLabelValues(status).Inc()
	o.metrics.BatchDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}
