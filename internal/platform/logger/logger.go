package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for the given mode. "prod"/"production" emits JSON,
// "test"/"nop" discards everything, anything else is the colored dev encoder.
// LOG_LEVEL overrides the default debug level.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "test", "nop":
		return Nop(), nil
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func levelFromEnv() zapcore.Level {
	lvl := zap.DebugLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return zap.DebugLevel
		}
	}
	return lvl
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...any) { l.SugaredLogger.Debugw(msg, scrub(kv)...) }
func (l *Logger) Info(msg string, kv ...any)  { l.SugaredLogger.Infow(msg, scrub(kv)...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.SugaredLogger.Warnw(msg, scrub(kv)...) }
func (l *Logger) Error(msg string, kv ...any) { l.SugaredLogger.Errorw(msg, scrub(kv)...) }
func (l *Logger) Fatal(msg string, kv ...any) { l.SugaredLogger.Fatalw(msg, scrub(kv)...) }

func (l *Logger) With(kv ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(scrub(kv)...)}
}

type fieldPolicy int

const (
	keep fieldPolicy = iota
	redact
	digest
)

// maxValueLen caps plain string values; streamed model text can be long.
const maxValueLen = 512

// Credentials are dropped. Free text about a child is replaced by a salted
// digest so two lines about the same case still correlate.
var (
	redactMarkers = []string{"authorization", "password", "secret", "api_key", "apikey", "dsn"}
	digestMarkers = []string{"observations", "transcript", "buffer", "input_text"}
)

type scrubber struct {
	enabled bool
	salt    string
	extra   []string
}

var (
	scrubOnce sync.Once
	active    scrubber
)

// LOG_REDACTION_ENABLED=false turns scrubbing off; LOG_REDACT_KEYS adds
// comma-separated key fragments to the redact list.
func currentScrubber() scrubber {
	scrubOnce.Do(func() {
		active.enabled = true
		switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
			active.enabled = false
		}
		active.salt = strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))
		for _, k := range strings.Split(os.Getenv("LOG_REDACT_KEYS"), ",") {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				active.extra = append(active.extra, k)
			}
		}
	})
	return active
}

func scrub(kv []any) []any {
	s := currentScrubber()
	if len(kv) == 0 || !s.enabled {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		name := stringify(kv[i])
		out = append(out, name, s.value(s.policy(name), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, kv[len(kv)-1])
	}
	return out
}

func (s scrubber) policy(key string) fieldPolicy {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return keep
	}
	if containsAny(key, redactMarkers) || containsAny(key, s.extra) {
		return redact
	}
	if containsAny(key, digestMarkers) {
		return digest
	}
	return keep
}

func (s scrubber) value(p fieldPolicy, v any) any {
	switch p {
	case redact:
		return "[REDACTED]"
	case digest:
		return s.digest(v)
	}
	switch t := v.(type) {
	case string:
		if len(t) > maxValueLen {
			return t[:maxValueLen] + "...(truncated)"
		}
		return t
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = s.value(s.policy(k), inner)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = s.value(keep, inner)
		}
		return out
	default:
		return v
	}
}

func (s scrubber) digest(v any) string {
	raw := stringify(v)
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s.salt + raw))
	return "hash:" + hex.EncodeToString(sum[:6])
}

func containsAny(key string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(key, m) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
