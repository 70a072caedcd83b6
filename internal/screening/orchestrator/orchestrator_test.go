package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/inference"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func completeTransport(calls *atomic.Int32) roundTripperFunc {
	return func(*http.Request) (*http.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		body := "data: {\"kind\":\"token\",\"text\":\"ok\"}\n\n" +
			"data: {\"kind\":\"complete\",\"result\":{\"risk\":\"on_track\",\"confidence\":0.8,\"recommendations\":[\"keep reading together\"]}}\n\n" +
			"data: [DONE]\n\n"
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

type env struct {
	orch    *Orchestrator
	store   *pipeline.Store
	results *resultstore.Memory
}

func newEnv(t *testing.T, exec func(*pipeline.Store, resultstore.Store) Executor) *env {
	t.Helper()
	store := pipeline.New(logger.Nop(), domain.ModeHybrid)
	t.Cleanup(store.Close)
	results := resultstore.NewMemory()
	o := New(logger.Nop(), store, exec(store, results))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return &env{orch: o, store: store, results: results}
}

func inferenceExecutor(t *testing.T, rt http.RoundTripper) func(*pipeline.Store, resultstore.Store) Executor {
	return func(store *pipeline.Store, results resultstore.Store) Executor {
		c, err := inference.New(logger.Nop(), store, results, inference.Options{
			BaseURL:    "http://model.test",
			HTTPClient: &http.Client{Transport: rt},
		})
		if err != nil {
			t.Fatalf("inference.New: %v", err)
		}
		return c
	}
}

// blockingExecutor parks until its context ends.
type blockingExecutor struct {
	started chan string
}

func (b *blockingExecutor) Execute(ctx context.Context, req inference.Request) (inference.Outcome, error) {
	b.started <- req.Case.ID
	<-ctx.Done()
	return inference.Outcome{}, ctx.Err()
}

func waitFor(t *testing.T, o *Orchestrator, caseID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx, caseID); err != nil {
		t.Fatalf("wait %s: %v", caseID, err)
	}
}

func TestScenarioEndToEnd(t *testing.T) {
	e := newEnv(t, inferenceExecutor(t, completeTransport(nil)))

	caseID, err := e.orch.Run(context.Background(), domain.Input{
		AgeMonths:    24,
		Observations: "24 month old says 10 words, poor eye contact",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if caseID == "" {
		t.Fatalf("empty case id")
	}
	waitFor(t, e.orch, caseID)

	p := e.store.Snapshot()
	if p.CaseID != caseID || len(p.Stages) != 5 {
		t.Fatalf("pipeline: case=%s stages=%d", p.CaseID, len(p.Stages))
	}
	if p.Priority != domain.PriorityLow {
		t.Fatalf("priority: want=low got=%s", p.Priority)
	}
	for _, st := range p.Stages {
		if st.Status != domain.StageSuccess {
			t.Fatalf("stage %s: want=success got=%s", st.ID, st.Status)
		}
	}
	intake, _ := p.Stage(domain.StageIntake)
	if intake.Output["domain"] != "communication" || intake.Output["priority"] != "low" {
		t.Fatalf("intake output: %v", intake.Output)
	}
	inf, _ := p.Stage(domain.StageInference)
	if inf.Output["risk"] != "low" || inf.Output["source"] != "online" {
		t.Fatalf("inference output: %v", inf.Output)
	}
	safety, _ := p.Stage(domain.StageSafety)
	if safety.Output["validated"] != true || safety.Output["disclaimer"] == "" {
		t.Fatalf("safety output: %v", safety.Output)
	}
	if got := e.results.Writes(resultstore.ResultKey(caseID)); got != 1 {
		t.Fatalf("writes: want=1 got=%d", got)
	}
	if e.results.Len() != 1 {
		t.Fatalf("stored results: want=1 got=%d", e.results.Len())
	}
	if e.orch.Active() != "" {
		t.Fatalf("no run should be active")
	}
}

func TestRunValidatesInput(t *testing.T) {
	e := newEnv(t, inferenceExecutor(t, completeTransport(nil)))
	bad := []domain.Input{
		{AgeMonths: -1, Observations: "x"},
		{AgeMonths: MaxAgeMonths + 1, Observations: "x"},
		{AgeMonths: 12, Observations: "   "},
	}
	for _, in := range bad {
		if _, err := e.orch.Run(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Run(%+v): want ErrInvalidInput got %v", in, err)
		}
	}
	if p := e.store.Snapshot(); p.CaseID != "" {
		t.Fatalf("invalid input must not start a pipeline: %+v", p)
	}

	caseID, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 30, VoiceTranscript: "she is not talking yet"})
	if err != nil {
		t.Fatalf("transcript-only input: %v", err)
	}
	waitFor(t, e.orch, caseID)
}

func TestNewRunSupersedesActiveRun(t *testing.T) {
	blocker := &blockingExecutor{started: make(chan string, 2)}
	e := newEnv(t, func(*pipeline.Store, resultstore.Store) Executor { return blocker })

	first, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 18, Observations: "few words"})
	if err != nil {
		t.Fatalf("Run first: %v", err)
	}
	if got := <-blocker.started; got != first {
		t.Fatalf("started: want=%s got=%s", first, got)
	}

	second, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 20, Observations: "walks well"})
	if err != nil {
		t.Fatalf("Run second: %v", err)
	}
	waitFor(t, e.orch, first)
	<-blocker.started

	p := e.store.Snapshot()
	if p.CaseID != second {
		t.Fatalf("active case: want=%s got=%s", second, p.CaseID)
	}
	if inf, _ := p.Stage(domain.StageInference); inf.Status.Terminal() {
		t.Fatalf("superseded run touched the new pipeline: %+v", inf)
	}
	if e.orch.Active() != second {
		t.Fatalf("active: want=%s got=%s", second, e.orch.Active())
	}
}

func TestCancelFailsRemainingStages(t *testing.T) {
	blocker := &blockingExecutor{started: make(chan string, 1)}
	e := newEnv(t, func(*pipeline.Store, resultstore.Store) Executor { return blocker })

	caseID, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 24, Observations: "says 10 words"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-blocker.started
	if !e.orch.Cancel() {
		t.Fatalf("Cancel: want true")
	}
	waitFor(t, e.orch, caseID)

	want := map[domain.StageID]domain.StageStatus{
		domain.StageIntake:    domain.StageSuccess,
		domain.StageEmbedding: domain.StageSuccess,
		domain.StageInference: domain.StageFailed,
		domain.StageSafety:    domain.StageFailed,
		domain.StageSummarize: domain.StageFailed,
	}
	for _, st := range e.store.Snapshot().Stages {
		if st.Status != want[st.ID] {
			t.Fatalf("stage %s: want=%s got=%s", st.ID, want[st.ID], st.Status)
		}
	}
	if e.orch.Cancel() {
		t.Fatalf("Cancel with nothing active: want false")
	}
}

func TestOfflineModePreferenceSkipsRemote(t *testing.T) {
	var calls atomic.Int32
	e := newEnv(t, inferenceExecutor(t, completeTransport(&calls)))
	e.store.SetMode(domain.ModeOffline)

	caseID, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 24, Observations: "says 10 words"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, e.orch, caseID)

	p := e.store.Snapshot()
	if p.Mode != domain.ModeOffline {
		t.Fatalf("mode: want=offline got=%s", p.Mode)
	}
	if inf, _ := p.Stage(domain.StageInference); inf.Status != domain.StageOffline {
		t.Fatalf("inference: want=offline got=%s", inf.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("remote called %d times", calls.Load())
	}
	if e.results.Writes(resultstore.ResultKey(caseID)) != 1 {
		t.Fatalf("want one stored result")
	}
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	blocker := &blockingExecutor{started: make(chan string, 1)}
	e := newEnv(t, func(*pipeline.Store, resultstore.Store) Executor { return blocker })

	if _, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 24, Observations: "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-blocker.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 24, Observations: "x"}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Run after shutdown: want ErrShutdown got %v", err)
	}
}

func TestRunOutlivesRequestContext(t *testing.T) {
	e := newEnv(t, inferenceExecutor(t, completeTransport(nil)))
	ctx, cancel := context.WithCancel(context.Background())
	caseID, err := e.orch.Run(ctx, domain.Input{AgeMonths: 24, Observations: "says 10 words"})
	cancel()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, e.orch, caseID)
	if inf, _ := e.store.Snapshot().Stage(domain.StageInference); inf.Status != domain.StageSuccess {
		t.Fatalf("inference: want=success got=%s", inf.Status)
	}
}

func TestResetClearsPipelineAndKeepsMode(t *testing.T) {
	blocker := &blockingExecutor{started: make(chan string, 1)}
	e := newEnv(t, func(*pipeline.Store, resultstore.Store) Executor { return blocker })
	e.store.SetMode(domain.ModeOnline)

	caseID, err := e.orch.Run(context.Background(), domain.Input{AgeMonths: 24, Observations: "says 10 words"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-blocker.started
	e.orch.Reset()
	waitFor(t, e.orch, caseID)

	p := e.store.Snapshot()
	if p.CaseID != "" || len(p.Stages) != 0 {
		t.Fatalf("reset pipeline: %+v", p)
	}
	if p.Mode != domain.ModeOnline {
		t.Fatalf("mode: want=online got=%s", p.Mode)
	}
	if !e.orch.Accepting() {
		t.Fatalf("reset must not stop the orchestrator")
	}
}
