package pipeline

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(logger.Nop(), domain.ModeHybrid)
	t.Cleanup(s.Close)
	return s
}

func stageIDs(p domain.Pipeline) []domain.StageID {
	out := make([]domain.StageID, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.ID)
	}
	return out
}

func TestStartCreatesPendingStages(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("case-1", domain.DefaultPlan(), domain.PriorityLow, domain.ModeOnline)

	p := s.Snapshot()
	if p.CaseID != "case-1" || p.Epoch != epoch || !p.Streaming || p.Mode != domain.ModeOnline {
		t.Fatalf("unexpected pipeline header: %+v", p)
	}
	if len(p.Stages) != 5 {
		t.Fatalf("stages: want=5 got=%d", len(p.Stages))
	}
	for _, st := range p.Stages {
		if st.Status != domain.StagePending || st.Confidence != 0 || st.Buffer != "" || st.Progress != 0 {
			t.Fatalf("stage not pristine: %+v", st)
		}
	}
}

func TestStartTwiceReplacesStageList(t *testing.T) {
	s := newTestStore(t)
	first := s.Start("case-1", []domain.StageID{"a", "b", "c"}, domain.PriorityLow, "")
	_ = s.AppendToken(first, "b", "x")
	s.Start("case-2", []domain.StageID{"d", "e"}, domain.PriorityHigh, "")

	got := stageIDs(s.Snapshot())
	want := []domain.StageID{"d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("stages: want=%v got=%v", want, got)
	}
}

func TestStaleEpochIsRejected(t *testing.T) {
	s := newTestStore(t)
	old := s.Start("case-1", domain.DefaultPlan(), domain.PriorityLow, "")
	cur := s.Start("case-2", domain.DefaultPlan(), domain.PriorityLow, "")

	if err := s.AppendToken(old, domain.StageInference, "late"); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("want ErrStaleEpoch got %v", err)
	}
	if err := s.Complete(old, domain.StageInference, nil, 0); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("want ErrStaleEpoch got %v", err)
	}
	st, _ := s.Snapshot().Stage(domain.StageInference)
	if st.Status != domain.StagePending || st.Buffer != "" {
		t.Fatalf("stale writer mutated stage: %+v", st)
	}
	if err := s.AppendToken(cur, domain.StageInference, "ok"); err != nil {
		t.Fatalf("current epoch rejected: %v", err)
	}
}

func TestAppendTokenStreamsAndCapsProgress(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")
	for i := 0; i < 120; i++ {
		if err := s.AppendToken(epoch, domain.StageInference, "t"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	st, _ := s.Snapshot().Stage(domain.StageInference)
	if st.Status != domain.StageStreaming {
		t.Fatalf("status: want=streaming got=%s", st.Status)
	}
	if st.Progress != 95 {
		t.Fatalf("progress: want=95 got=%d", st.Progress)
	}
	if len(st.Buffer) != 120 {
		t.Fatalf("buffer len: want=120 got=%d", len(st.Buffer))
	}
}

func TestCompleteSetsConfidenceAndClearsStreaming(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")

	if err := s.Complete(epoch, domain.StageIntake, map[string]any{"domain": "motor"}, time.Millisecond); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p := s.Snapshot()
	if p.Streaming {
		t.Fatalf("streaming flag should be cleared")
	}
	intake, _ := p.Stage(domain.StageIntake)
	if intake.Status != domain.StageSuccess || intake.Confidence != DefaultConfidence || intake.Progress != 100 {
		t.Fatalf("intake: %+v", intake)
	}

	if err := s.CompleteOffline(epoch, domain.StageInference, map[string]any{"confidence": 0.61}, 0); err != nil {
		t.Fatalf("complete offline: %v", err)
	}
	inf, _ := s.Snapshot().Stage(domain.StageInference)
	if inf.Status != domain.StageOffline || inf.Confidence != 0.61 {
		t.Fatalf("inference: %+v", inf)
	}
}

func TestTerminalStagesAreFrozen(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")
	if err := s.Fail(epoch, domain.StageSafety); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.Complete(epoch, domain.StageSafety, nil, 0); !errors.Is(err, ErrStageTerminal) {
		t.Fatalf("want ErrStageTerminal got %v", err)
	}
	if err := s.AppendToken(epoch, domain.StageSafety, "x"); !errors.Is(err, ErrStageTerminal) {
		t.Fatalf("want ErrStageTerminal got %v", err)
	}
	st, _ := s.Snapshot().Stage(domain.StageSafety)
	if st.Status != domain.StageFailed || st.Buffer != "" {
		t.Fatalf("terminal stage changed: %+v", st)
	}
}

func TestUpdateMergesAllowedFields(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")

	running := domain.StageRunning
	conf := 0.4
	buf := "ignored unless streaming"
	if err := s.Update(epoch, domain.StageEmbedding, StagePatch{Status: &running, Confidence: &conf, Buffer: &buf}); err != nil {
		t.Fatalf("update: %v", err)
	}
	st, _ := s.Snapshot().Stage(domain.StageEmbedding)
	if st.Status != domain.StageRunning || st.Confidence != 0.4 || st.Buffer != "" {
		t.Fatalf("embedding: %+v", st)
	}

	pending := domain.StagePending
	if err := s.Update(epoch, domain.StageEmbedding, StagePatch{Status: &pending}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("want ErrIllegalTransition got %v", err)
	}
	if err := s.Update(epoch, "nope", StagePatch{Status: &running}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("want ErrUnknownStage got %v", err)
	}
}

func TestFinalizeDangling(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")
	_ = s.Complete(epoch, domain.StageIntake, nil, 0)
	_ = s.AppendToken(epoch, domain.StageInference, "x")

	n, err := s.FinalizeDangling(epoch, domain.StageFailed)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if n != 4 {
		t.Fatalf("finalized: want=4 got=%d", n)
	}
	for _, st := range s.Snapshot().Stages {
		if !st.Status.Terminal() {
			t.Fatalf("stage %s left non-terminal: %s", st.ID, st.Status)
		}
	}
	if _, err := s.FinalizeDangling(epoch, domain.StageRunning); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("non-terminal target should be rejected, got %v", err)
	}
}

func TestResetPreservesModePreference(t *testing.T) {
	s := newTestStore(t)
	s.SetMode(domain.ModeOffline)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityHigh, domain.ModeOnline)
	s.Reset()

	p := s.Snapshot()
	if p.CaseID != "" || len(p.Stages) != 0 || p.Priority != "" {
		t.Fatalf("case fields not cleared: %+v", p)
	}
	if p.Mode != domain.ModeOffline || s.Mode() != domain.ModeOffline {
		t.Fatalf("mode preference lost: %+v", p)
	}
	if err := s.AppendToken(epoch, domain.StageInference, "x"); !errors.Is(err, ErrStaleEpoch) {
		t.Fatalf("writes after reset should be stale, got %v", err)
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	s := newTestStore(t)
	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.AppendToken(epoch, domain.StageInference, "x")
			}
		}()
	}
	wg.Wait()

	st, _ := s.Snapshot().Stage(domain.StageInference)
	if len(st.Buffer) != 400 {
		t.Fatalf("lost appends: want=400 got=%d", len(st.Buffer))
	}
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ch, cancel := s.Subscribe(1)
	defer cancel()

	initial := <-ch
	if initial.CaseID != "" {
		t.Fatalf("initial snapshot should be empty: %+v", initial)
	}

	epoch := s.Start("c", domain.DefaultPlan(), domain.PriorityLow, "")
	for i := 0; i < 10; i++ {
		_ = s.AppendToken(epoch, domain.StageInference, "x")
	}

	select {
	case p := <-ch:
		st, _ := p.Stage(domain.StageInference)
		if st.Buffer != "xxxxxxxxxx" {
			t.Fatalf("subscriber should see newest snapshot, got buffer=%q", st.Buffer)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
}

func TestClosedStore(t *testing.T) {
	s := New(logger.Nop(), "")
	ch, _ := s.Subscribe(1)
	s.Close()
	s.Close()

	for range ch {
	}
	if err := s.AppendToken(1, domain.StageInference, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed got %v", err)
	}
}

func TestStartLogsDedupedStageCount(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(&logger.Logger{SugaredLogger: zap.New(core).Sugar()}, domain.ModeHybrid)
	defer s.Close()

	s.Start("case-1", []domain.StageID{domain.StageIntake, domain.StageIntake, "", domain.StageSafety}, domain.PriorityLow, "")

	entries := logs.FilterMessage("pipeline started").All()
	if len(entries) != 1 {
		t.Fatalf("log entries: want=1 got=%d", len(entries))
	}
	if got := entries[0].ContextMap()["stages"]; got != int64(2) {
		t.Fatalf("stages field: want=2 got=%v (%T)", got, got)
	}
	if n := len(s.Snapshot().Stages); n != 2 {
		t.Fatalf("stages: want=2 got=%d", n)
	}
}
