package domain

import "time"

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageStreaming StageStatus = "streaming"
	StageSuccess   StageStatus = "success"
	StageOffline   StageStatus = "offline"
	StageFailed    StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageOffline || s == StageFailed
}

// CanTransition reports whether from -> to is an edge of the stage graph.
// pending -> running -> streaming -> terminal, with skips allowed forward;
// streaming -> streaming is the append self-loop. Terminal states are final.
func CanTransition(from, to StageStatus) bool {
	if from == to {
		return from == StageStreaming
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case StagePending:
		return to == StageRunning || to == StageStreaming || to.Terminal()
	case StageRunning:
		return to == StageStreaming || to.Terminal()
	case StageStreaming:
		return to.Terminal()
	}
	return false
}

type StageID string

const (
	StageIntake    StageID = "intake"
	StageEmbedding StageID = "embedding"
	StageInference StageID = "inference"
	StageSafety    StageID = "safety"
	StageSummarize StageID = "summarize"
)

// DefaultPlan is the fixed ordered stage list for a screening.
func DefaultPlan() []StageID {
	return []StageID{StageIntake, StageEmbedding, StageInference, StageSafety, StageSummarize}
}

type Stage struct {
	ID         StageID        `json:"id"`
	Status     StageStatus    `json:"status"`
	Confidence float64        `json:"confidence"`
	Output     map[string]any `json:"output,omitempty"`
	Duration   time.Duration  `json:"duration"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Buffer     string         `json:"buffer,omitempty"`
	Progress   int            `json:"progress"`
}

// Pipeline is a point-in-time view of the active case's stages.
type Pipeline struct {
	CaseID    string   `json:"case_id"`
	Epoch     uint64   `json:"epoch"`
	Priority  Priority `json:"priority,omitempty"`
	Mode      Mode     `json:"mode"`
	Streaming bool     `json:"streaming"`
	Stages    []Stage  `json:"stages"`
}

func (p Pipeline) Stage(id StageID) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Clone returns a deep copy safe to hand to readers.
func (p Pipeline) Clone() Pipeline {
	out := p
	if p.Stages != nil {
		out.Stages = make([]Stage, len(p.Stages))
		for i, s := range p.Stages {
			s.Output = cloneMap(s.Output)
			out.Stages[i] = s
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case []string:
			out[k] = append([]string(nil), t...)
		case []any:
			out[k] = append([]any(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}
