// Package pipeline owns the stage list of the active screening. All mutation
// happens on a single actor goroutine; callers block until their command has
// been applied, so the store behaves like a synchronous, serialized object.
//
// Every Start (and Reset) bumps an epoch. Writers carry the epoch they were
// handed by Start and are rejected once a newer pipeline has replaced theirs.
package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/domain"
)

const (
	DefaultConfidence = 0.87
	maxStreamProgress = 95
)

var (
	ErrClosed            = errors.New("pipeline store closed")
	ErrStaleEpoch        = errors.New("stale pipeline epoch")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrStageTerminal     = errors.New("stage already terminal")
	ErrIllegalTransition = errors.New("illegal stage transition")
)

// StagePatch lists the fields Update may merge; nil fields are left alone.
type StagePatch struct {
	Output     map[string]any
	Confidence *float64
	Status     *domain.StageStatus
	Buffer     *string
	Duration   *time.Duration
}

type command struct {
	fn    func(*state)
	reply chan struct{}
}

type state struct {
	pipeline domain.Pipeline
	modePref domain.Mode
	epoch    uint64

	subs    map[int]chan domain.Pipeline
	nextSub int
	dirty   bool
}

type Store struct {
	log  *logger.Logger
	now  func() time.Time
	cmds chan command
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func New(log *logger.Logger, mode domain.Mode) *Store {
	if log == nil {
		log = logger.Nop()
	}
	if mode == "" {
		mode = domain.ModeHybrid
	}
	s := &Store{
		log:  log.With("component", "PipelineStore"),
		now:  time.Now,
		cmds: make(chan command),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	st := &state{
		pipeline: domain.Pipeline{Mode: mode},
		modePref: mode,
		subs:     map[int]chan domain.Pipeline{},
	}
	go s.loop(st)
	return s
}

func (s *Store) loop(st *state) {
	defer close(s.done)
	for {
		select {
		case c := <-s.cmds:
			c.fn(st)
			if st.dirty {
				st.dirty = false
				s.publish(st)
			}
			close(c.reply)
		case <-s.quit:
			for id, ch := range st.subs {
				close(ch)
				delete(st.subs, id)
			}
			return
		}
	}
}

// exec runs fn on the actor goroutine and waits for it to finish.
func (s *Store) exec(fn func(*state)) error {
	c := command{fn: fn, reply: make(chan struct{})}
	select {
	case s.cmds <- c:
		<-c.reply
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close stops the actor and closes every subscription. Safe to call twice.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Start discards the previous pipeline, creates one pending stage per id and
// returns the new epoch.
func (s *Store) Start(caseID string, stageIDs []domain.StageID, priority domain.Priority, mode domain.Mode) uint64 {
	var (
		epoch   uint64
		created int
	)
	_ = s.exec(func(st *state) {
		st.epoch++
		epoch = st.epoch
		if mode == "" {
			mode = st.modePref
		}
		now := s.now()
		stages := make([]domain.Stage, 0, len(stageIDs))
		seen := map[domain.StageID]bool{}
		for _, id := range stageIDs {
			if strings.TrimSpace(string(id)) == "" || seen[id] {
				continue
			}
			seen[id] = true
			stages = append(stages, domain.Stage{ID: id, Status: domain.StagePending, UpdatedAt: now})
		}
		st.pipeline = domain.Pipeline{
			CaseID:    caseID,
			Epoch:     epoch,
			Priority:  priority,
			Mode:      mode,
			Streaming: true,
			Stages:    stages,
		}
		created = len(stages)
		st.dirty = true
	})
	s.log.Debug("pipeline started", "case_id", caseID, "epoch", epoch, "stages", created, "mode", mode)
	return epoch
}

func (s *Store) Update(epoch uint64, id domain.StageID, patch StagePatch) error {
	return s.mutate(epoch, id, func(st *state, stage *domain.Stage) error {
		next := stage.Status
		if patch.Status != nil && *patch.Status != stage.Status {
			if !domain.CanTransition(stage.Status, *patch.Status) {
				return ErrIllegalTransition
			}
			next = *patch.Status
		}
		if patch.Output != nil {
			stage.Output = patch.Output
		}
		if patch.Confidence != nil {
			stage.Confidence = clamp01(*patch.Confidence)
		}
		if patch.Duration != nil {
			stage.Duration = *patch.Duration
		}
		if patch.Buffer != nil && next == domain.StageStreaming {
			stage.Buffer = *patch.Buffer
		}
		stage.Status = next
		if next.Terminal() && stage.Progress < 100 {
			stage.Progress = 100
		}
		return nil
	})
}

// AppendToken concatenates token onto the stage buffer and moves the stage to
// streaming. Progress creeps up by one per token and tops out at 95.
func (s *Store) AppendToken(epoch uint64, id domain.StageID, token string) error {
	return s.mutate(epoch, id, func(st *state, stage *domain.Stage) error {
		stage.Status = domain.StageStreaming
		stage.Buffer += token
		st.pipeline.Streaming = true
		if stage.Progress < maxStreamProgress {
			stage.Progress++
		}
		return nil
	})
}

// Complete marks the stage success. Confidence comes from output["confidence"]
// when present and numeric, DefaultConfidence otherwise.
func (s *Store) Complete(epoch uint64, id domain.StageID, output map[string]any, duration time.Duration) error {
	return s.finish(epoch, id, domain.StageSuccess, output, duration)
}

// CompleteOffline is Complete for results produced without the remote model.
func (s *Store) CompleteOffline(epoch uint64, id domain.StageID, output map[string]any, duration time.Duration) error {
	return s.finish(epoch, id, domain.StageOffline, output, duration)
}

func (s *Store) finish(epoch uint64, id domain.StageID, status domain.StageStatus, output map[string]any, duration time.Duration) error {
	return s.mutate(epoch, id, func(st *state, stage *domain.Stage) error {
		stage.Status = status
		stage.Output = output
		stage.Confidence = confidenceOf(output)
		stage.Duration = duration
		stage.Progress = 100
		st.pipeline.Streaming = false
		return nil
	})
}

func (s *Store) Fail(epoch uint64, id domain.StageID) error {
	return s.mutate(epoch, id, func(st *state, stage *domain.Stage) error {
		stage.Status = domain.StageFailed
		st.pipeline.Streaming = false
		return nil
	})
}

// FinalizeDangling forces every non-terminal stage of epoch to status and
// returns how many stages it touched.
func (s *Store) FinalizeDangling(epoch uint64, status domain.StageStatus) (int, error) {
	if !status.Terminal() {
		return 0, ErrIllegalTransition
	}
	var (
		n   int
		err error
	)
	execErr := s.exec(func(st *state) {
		if st.epoch != epoch {
			err = ErrStaleEpoch
			return
		}
		now := s.now()
		for i := range st.pipeline.Stages {
			stage := &st.pipeline.Stages[i]
			if stage.Status.Terminal() {
				continue
			}
			stage.Status = status
			stage.UpdatedAt = now
			n++
		}
		if n > 0 {
			st.pipeline.Streaming = false
			st.dirty = true
		}
	})
	if execErr != nil {
		return 0, execErr
	}
	return n, err
}

// Reset clears the case-scoped state but keeps the mode preference.
func (s *Store) Reset() {
	_ = s.exec(func(st *state) {
		st.epoch++
		st.pipeline = domain.Pipeline{Epoch: st.epoch, Mode: st.modePref}
		st.dirty = true
	})
}

func (s *Store) SetMode(mode domain.Mode) {
	_ = s.exec(func(st *state) {
		st.modePref = mode
		if st.pipeline.CaseID == "" {
			st.pipeline.Mode = mode
			st.dirty = true
		}
	})
}

func (s *Store) Mode() domain.Mode {
	var m domain.Mode
	_ = s.exec(func(st *state) { m = st.modePref })
	return m
}

// Epoch returns the epoch of the current pipeline.
func (s *Store) Epoch() uint64 {
	var e uint64
	_ = s.exec(func(st *state) { e = st.epoch })
	return e
}

// Snapshot returns a deep copy of the current pipeline.
func (s *Store) Snapshot() domain.Pipeline {
	var p domain.Pipeline
	_ = s.exec(func(st *state) { p = st.pipeline.Clone() })
	return p
}

// Subscribe streams a snapshot after every state change, starting with the
// current one. A slow reader only ever misses intermediate snapshots: the
// newest one replaces whatever is still buffered.
func (s *Store) Subscribe(buffer int) (<-chan domain.Pipeline, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Pipeline, buffer)
	id := -1
	if err := s.exec(func(st *state) {
		id = st.nextSub
		st.nextSub++
		st.subs[id] = ch
		ch <- st.pipeline.Clone()
	}); err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = s.exec(func(st *state) {
			if c, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *Store) mutate(epoch uint64, id domain.StageID, fn func(*state, *domain.Stage) error) error {
	var err error
	execErr := s.exec(func(st *state) {
		if st.epoch != epoch {
			err = ErrStaleEpoch
			return
		}
		stage := findStage(st, id)
		if stage == nil {
			err = ErrUnknownStage
			return
		}
		if stage.Status.Terminal() {
			err = ErrStageTerminal
			return
		}
		if err = fn(st, stage); err != nil {
			return
		}
		stage.UpdatedAt = s.now()
		st.dirty = true
	})
	if execErr != nil {
		return execErr
	}
	if errors.Is(err, ErrStaleEpoch) {
		s.log.Warn("rejected write from superseded pipeline", "stage", id, "epoch", epoch)
	}
	return err
}

func (s *Store) publish(st *state) {
	if len(st.subs) == 0 {
		return
	}
	snap := st.pipeline.Clone()
	for _, ch := range st.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func findStage(st *state, id domain.StageID) *domain.Stage {
	for i := range st.pipeline.Stages {
		if st.pipeline.Stages[i].ID == id {
			return &st.pipeline.Stages[i]
		}
	}
	return nil
}

func confidenceOf(output map[string]any) float64 {
	switch v := output["confidence"].(type) {
	case float64:
		return clamp01(v)
	case float32:
		return clamp01(float64(v))
	case int:
		return clamp01(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return clamp01(f)
		}
	}
	return DefaultConfidence
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
