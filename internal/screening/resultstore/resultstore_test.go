package resultstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
)

func sampleResult(caseID string) domain.StoredResult {
	return domain.StoredResult{
		CaseID:          caseID,
		Risk:            domain.RiskMonitor,
		Confidence:      0.7,
		Summary:         []string{"s"},
		Rationale:       "r",
		Recommendations: []string{"a"},
		Domain:          domain.DomainCommunication,
		Source:          domain.SourceOnline,
		CreatedAt:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func exerciseStore(t *testing.T, s Store, g Getter) {
	t.Helper()
	ctx := context.Background()

	if _, err := Fetch(ctx, g, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fetch missing: want ErrNotFound got %v", err)
	}
	want := sampleResult("case-1")
	if err := Put(ctx, s, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	second := want
	second.Risk = domain.RiskDiscuss
	if err := Put(ctx, s, second); !errors.Is(err, ErrAlreadyStored) {
		t.Fatalf("second put: want ErrAlreadyStored got %v", err)
	}
	got, err := Fetch(ctx, g, "case-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Risk != want.Risk || got.Source != want.Source || got.Domain != want.Domain {
		t.Fatalf("fetch: want=%+v got=%+v", want, got)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0] != "a" {
		t.Fatalf("recommendations: %v", got.Recommendations)
	}
}

func TestResultKey(t *testing.T) {
	if got := ResultKey(" abc "); got != "result:abc" {
		t.Fatalf("ResultKey: want=result:abc got=%q", got)
	}
}

func TestPutRequiresCaseID(t *testing.T) {
	if err := Put(context.Background(), NewMemory(), domain.StoredResult{}); err == nil {
		t.Fatalf("expected error for empty case id")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m, m)
	if got := m.Writes(ResultKey("case-1")); got != 2 {
		t.Fatalf("writes: want=2 got=%d", got)
	}
	if m.Len() != 1 {
		t.Fatalf("len: want=1 got=%d", m.Len())
	}
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemory().Set(ctx, "k", []byte("{}")); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got %v", err)
	}
}

func TestSQLStoreSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "results.db")
	s, err := OpenSQL("sqlite", dsn, logger.Nop())
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s, s)
}

func TestRedisStore(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, TTL: time.Minute}, logger.Nop())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	caseID := "test-" + time.Now().Format("150405.000000000")
	want := sampleResult(caseID)
	if err := Put(ctx, r, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := Put(ctx, r, want); !errors.Is(err, ErrAlreadyStored) {
		t.Fatalf("second put: want ErrAlreadyStored got %v", err)
	}
	got, err := Fetch(ctx, r, caseID)
	if err != nil || got.CaseID != caseID {
		t.Fatalf("fetch: got=%+v err=%v", got, err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, closeFn, err := New(ctx, config.PersistenceConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("want *Memory got %T", s)
	}
	_ = closeFn()

	s, closeFn, err = New(ctx, config.PersistenceConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "r.db")}, nil)
	if err != nil {
		t.Fatalf("New sqlite: %v", err)
	}
	if _, ok := s.(*SQL); !ok {
		t.Fatalf("want *SQL got %T", s)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, _, err := New(ctx, config.PersistenceConfig{Driver: "mongo"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
