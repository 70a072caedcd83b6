// Package orchestrator runs a screening end to end: classify, start the
// pipeline, drive every stage to a terminal status and hand back the case id
// as soon as the work is dispatched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/ctxutil"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/classify"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/inference"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
)

const MaxAgeMonths = 216

var (
	ErrInvalidInput = errors.New("invalid screening input")
	ErrShutdown     = errors.New("orchestrator shut down")
)

const disclaimer = "Screening support only. Not a diagnosis; review with a qualified clinician."

// Executor runs the inference stage. *inference.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req inference.Request) (inference.Outcome, error)
}

type run struct {
	caseID string
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	log     *logger.Logger
	store   *pipeline.Store
	exec    Executor
	tracer  trace.Tracer
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	active *run
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func New(log *logger.Logger, store *pipeline.Store, exec Executor) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		log:     log.With("component", "Orchestrator"),
		store:   store,
		exec:    exec,
		tracer:  otel.Tracer("screening/orchestrator"),
		metrics: observability.Current(),
		now:     time.Now,
		newID:   uuid.NewString,
		runs:    map[string]*run{},
	}
}

// Validate checks the caller-supplied input. Invalid input is the only error
// Run reports; remote failures are absorbed by the fallback path.
func Validate(in domain.Input) error {
	if in.AgeMonths < 0 || in.AgeMonths > MaxAgeMonths {
		return fmt.Errorf("%w: age_months must be between 0 and %d", ErrInvalidInput, MaxAgeMonths)
	}
	if strings.TrimSpace(in.Observations) == "" && strings.TrimSpace(in.VoiceTranscript) == "" {
		return fmt.Errorf("%w: observations or voice_transcript required", ErrInvalidInput)
	}
	return nil
}

// Run starts a screening and returns its case id once the background work
// is dispatched. A run still in flight for an earlier case is canceled.
// Progress is observed through the store.
func (o *Orchestrator) Run(ctx context.Context, in domain.Input) (string, error) {
	if err := Validate(in); err != nil {
		return "", err
	}
	started := o.now()

	mode := in.Mode
	if strings.TrimSpace(string(mode)) == "" {
		mode = o.store.Mode()
	} else {
		mode = domain.ParseMode(string(mode))
	}
	cls := classify.Classify(in.Text())
	c := domain.Case{
		ID:              o.newID(),
		AgeMonths:       in.AgeMonths,
		Observations:    strings.TrimSpace(in.Observations),
		VoiceTranscript: strings.TrimSpace(in.VoiceTranscript),
		Mode:            mode,
		Priority:        cls.Priority,
		Domain:          cls.Domain,
		CreatedAt:       started.UTC(),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShutdown
	}
	if o.active != nil {
		o.log.Info("superseding active screening", "case_id", o.active.caseID, "next_case_id", c.ID)
		o.active.cancel()
	}
	runCtx, cancel := context.WithCancel(ctxutil.WithCaseID(context.WithoutCancel(ctx), c.ID))
	r := &run{caseID: c.ID, cancel: cancel, done: make(chan struct{})}
	o.active = r
	o.runs[c.ID] = r
	o.wg.Add(1)
	epoch := o.store.Start(c.ID, domain.DefaultPlan(), c.Priority, c.Mode)
	o.mu.Unlock()

	intake := cls.AsOutput()
	intake["case_id"] = c.ID
	intake["age_months"] = c.AgeMonths
	intake["mode"] = string(c.Mode)
	intake["has_transcript"] = c.VoiceTranscript != ""
	if err := o.store.Complete(epoch, domain.StageIntake, intake, o.now().Sub(started)); err != nil {
		o.log.Warn("intake stage not recorded", "case_id", c.ID, "error", err)
	}

	go o.dispatch(runCtx, r, c, epoch)
	o.metrics.ObserveRun(string(c.Mode), string(c.Domain), string(c.Priority))

	o.log.Info("screening dispatched",
		append(ctxutil.LogFields(runCtx),
			"epoch", epoch,
			"domain", c.Domain,
			"priority", c.Priority,
			"mode", c.Mode,
		)...,
	)
	return c.ID, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, r *run, c domain.Case, epoch uint64) {
	defer o.wg.Done()
	defer o.finishRun(r)

	ctx, span := o.tracer.Start(ctx, "screening.run", trace.WithAttributes(
		attribute.String("case.id", c.ID),
		attribute.String("screening.domain", string(c.Domain)),
		attribute.String("screening.priority", string(c.Priority)),
		attribute.String("screening.mode", string(c.Mode)),
	))
	defer span.End()

	log := o.log.With("case_id", c.ID, "epoch", epoch)
	defer func() {
		n, err := o.store.FinalizeDangling(epoch, domain.StageFailed)
		switch {
		case err != nil && !errors.Is(err, pipeline.ErrStaleEpoch):
			log.Warn("finalize stages", "error", err)
		case n > 0:
			log.Info("stages finalized as failed", "count", n)
		}
	}()

	if err := o.stage(ctx, epoch, domain.StageEmbedding, func() map[string]any {
		return features(c)
	}); err != nil {
		log.Info("screening stopped", "stage", domain.StageEmbedding, "error", err)
		return
	}

	outcome, err := o.exec.Execute(ctx, inference.Request{Case: c, Epoch: epoch, StageID: domain.StageInference})
	if err != nil {
		log.Info("screening stopped", "stage", domain.StageInference, "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(
		attribute.String("result.risk", string(outcome.Result.Risk)),
		attribute.String("result.source", string(outcome.Result.Source)),
	)

	if err := o.stage(ctx, epoch, domain.StageSafety, func() map[string]any {
		return safetyCheck(c, outcome)
	}); err != nil {
		log.Info("screening stopped", "stage", domain.StageSafety, "error", err)
		return
	}

	if err := o.stage(ctx, epoch, domain.StageSummarize, func() map[string]any {
		return summary(outcome)
	}); err != nil {
		log.Info("screening stopped", "stage", domain.StageSummarize, "error", err)
		return
	}
	log.Info("screening finished", "risk", outcome.Result.Risk, "source", outcome.Result.Source)
}

// stage runs one local step: running, then success with the built output.
func (o *Orchestrator) stage(ctx context.Context, epoch uint64, id domain.StageID, build func() map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := o.now()
	running := domain.StageRunning
	if err := o.store.Update(epoch, id, pipeline.StagePatch{Status: &running}); err != nil {
		return err
	}
	elapsed := o.now().Sub(started)
	if err := o.store.Complete(epoch, id, build(), elapsed); err != nil {
		return err
	}
	o.metrics.ObserveStage(string(id), string(domain.StageSuccess), elapsed)
	return nil
}

func (o *Orchestrator) finishRun(r *run) {
	r.cancel()
	o.mu.Lock()
	if o.active == r {
		o.active = nil
	}
	delete(o.runs, r.caseID)
	o.mu.Unlock()
	close(r.done)
}

// Cancel aborts the active screening, if any. Its remaining stages end failed.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return false
	}
	o.log.Info("screening canceled", "case_id", o.active.caseID)
	o.active.cancel()
	return true
}

// Reset aborts the active screening and clears the pipeline. The mode
// preference survives.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		o.active.cancel()
	}
	o.store.Reset()
}

// Accepting reports whether Run still takes new screenings.
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

// Active returns the case id of the screening still in flight, or "".
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.caseID
}

// Wait blocks until the run for caseID has finished. Unknown or finished
// cases return immediately.
func (o *Orchestrator) Wait(ctx context.Context, caseID string) error {
	o.mu.Lock()
	r, ok := o.runs[caseID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new runs, cancels the active one and waits for every
// dispatched run to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	if o.active != nil {
		o.active.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
