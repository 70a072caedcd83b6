package logger

import (
	"strings"
	"testing"
)

func TestScrubHashesFreeText(t *testing.T) {
	out := scrub([]any{
		"case_id", "c-1",
		"observations", "says 10 words",
		"api_key", "sk-123",
	})
	if len(out) != 6 {
		t.Fatalf("len: want=6 got=%d", len(out))
	}
	if out[1] != "c-1" {
		t.Fatalf("case_id should pass through, got=%v", out[1])
	}
	hashed, _ := out[3].(string)
	if !strings.HasPrefix(hashed, "hash:") || strings.Contains(hashed, "words") {
		t.Fatalf("observations should be hashed, got=%v", out[3])
	}
	again := scrub([]any{"observations", "says 10 words"})
	if again[1] != hashed {
		t.Fatalf("digest must be stable: %v vs %v", again[1], hashed)
	}
	if out[5] != "[REDACTED]" {
		t.Fatalf("api_key should be redacted, got=%v", out[5])
	}
}

func TestScrubNestedAndLongValues(t *testing.T) {
	out := scrub([]any{
		"request", map[string]any{"voice_transcript": "no words yet", "age_months": 24},
		"text", strings.Repeat("a", maxValueLen+10),
	})
	nested, ok := out[1].(map[string]any)
	if !ok {
		t.Fatalf("nested map: got=%T", out[1])
	}
	if v, _ := nested["voice_transcript"].(string); !strings.HasPrefix(v, "hash:") {
		t.Fatalf("nested transcript should be hashed, got=%v", nested["voice_transcript"])
	}
	if nested["age_months"] != 24 {
		t.Fatalf("age_months: want=24 got=%v", nested["age_months"])
	}
	if s, _ := out[3].(string); !strings.HasSuffix(s, "...(truncated)") {
		t.Fatalf("long value should be truncated")
	}
}

func TestScrubOddKVKeepsTrailingKey(t *testing.T) {
	out := scrub([]any{"stage", "inference", "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected kvs: %v", out)
	}
}

func TestNewTestModeIsNop(t *testing.T) {
	log, err := New("test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.With("component", "test").Info("discarded", "observations", "x")
	log.Sync()
}
