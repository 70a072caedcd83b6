// Package inference runs the remote screening model for one stage. It streams
// tokens into the pipeline store, turns the final frame into a StoredResult,
// falls back to the offline synthesizer when the remote path fails, and
// persists exactly one result per case.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
	"github.com/yungbote/screening-backend/internal/screening/domain"
	"github.com/yungbote/screening-backend/internal/screening/fallback"
	"github.com/yungbote/screening-backend/internal/screening/frame"
	"github.com/yungbote/screening-backend/internal/screening/pipeline"
	"github.com/yungbote/screening-backend/internal/screening/resultstore"
)

const (
	defaultStreamPath = "/v1/screenings/stream"
	persistTimeout    = 5 * time.Second
	initialBackoff    = 250 * time.Millisecond
)

type Options struct {
	BaseURL    string
	StreamPath string
	APIKey     string

	OpenTimeout   time.Duration
	StreamTimeout time.Duration
	IdleTimeout   time.Duration
	MaxRetries    int

	HTTPClient *http.Client
}

type Client struct {
	log     *logger.Logger
	store   *pipeline.Store
	results resultstore.Store
	tracer  trace.Tracer
	metrics *observability.Metrics
	now     func() time.Time

	endpoint      string
	apiKey        string
	openTimeout   time.Duration
	streamTimeout time.Duration
	idleTimeout   time.Duration
	maxRetries    int
	backoff       time.Duration

	httpClient *http.Client
}

// New builds a client. An empty BaseURL is allowed: every request is then
// served by the offline synthesizer.
func New(log *logger.Logger, store *pipeline.Store, results resultstore.Store, opts Options) (*Client, error) {
	if store == nil {
		return nil, errors.New("pipeline store required")
	}
	if results == nil {
		return nil, errors.New("result store required")
	}
	if log == nil {
		log = logger.Nop()
	}

	var endpoint string
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		path := strings.TrimSpace(opts.StreamPath)
		if path == "" {
			path = defaultStreamPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		endpoint = base + path
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		log:           log.With("component", "InferenceClient"),
		store:         store,
		results:       results,
		tracer:        otel.Tracer("screening/inference"),
		metrics:       observability.Current(),
		now:           time.Now,
		endpoint:      endpoint,
		apiKey:        strings.TrimSpace(opts.APIKey),
		openTimeout:   opts.OpenTimeout,
		streamTimeout: opts.StreamTimeout,
		idleTimeout:   opts.IdleTimeout,
		maxRetries:    maxRetries,
		backoff:       initialBackoff,
		httpClient:    hc,
	}, nil
}

func NewFromConfig(cfg config.InferenceConfig, log *logger.Logger, store *pipeline.Store, results resultstore.Store) (*Client, error) {
	return New(log, store, results, Options{
		BaseURL:       cfg.BaseURL,
		StreamPath:    cfg.StreamPath,
		APIKey:        cfg.APIKey,
		OpenTimeout:   cfg.OpenTimeout.Duration,
		StreamTimeout: cfg.StreamTimeout.Duration,
		IdleTimeout:   cfg.IdleTimeout.Duration,
		MaxRetries:    cfg.MaxRetries,
	})
}

// Online reports whether a remote endpoint is configured.
func (c *Client) Online() bool { return c.endpoint != "" }

type Request struct {
	Case    domain.Case
	Epoch   uint64
	StageID domain.StageID
}

type Outcome struct {
	Result domain.StoredResult
	// Status is the terminal status given to the stage: success or offline.
	Status domain.StageStatus
	// RemoteErr is the failure that sent the request to the fallback, if any.
	RemoteErr error
	// PersistErr is set when the result could not be written. The stage is
	// still terminated.
	PersistErr error
}

// Execute drives the stage to a terminal status. It returns an error only
// when ctx is canceled or the pipeline moved on to a newer case. Before a
// result exists the stage is failed (when still current) and nothing is
// persisted; once a result exists it is persisted even if the stage write is
// then rejected.
func (c *Client) Execute(ctx context.Context, req Request) (Outcome, error) {
	mode := req.Case.Mode
	if mode == "" {
		mode = domain.ModeHybrid
	}
	ctx, span := c.tracer.Start(ctx, "inference.Execute", trace.WithAttributes(
		attribute.String("case.id", req.Case.ID),
		attribute.String("screening.mode", string(mode)),
		attribute.String("stage.id", string(req.StageID)),
	))
	defer span.End()

	log := c.log.With("case_id", req.Case.ID, "epoch", req.Epoch, "stage", req.StageID)
	started := c.now()

	running := domain.StageRunning
	if err := c.store.Update(req.Epoch, req.StageID, pipeline.StagePatch{Status: &running}); err != nil {
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("start stage: %w", err)
	}

	var (
		res       domain.StoredResult
		remoteErr error
		online    bool
	)
	switch {
	case mode == domain.ModeOffline:
		log.Debug("offline mode, skipping remote model")
	case !c.Online():
		remoteErr = &NetworkError{Err: errors.New("no inference endpoint configured")}
	default:
		res, remoteErr = c.stream(ctx, req)
		online = remoteErr == nil
	}

	if err := c.abortErr(ctx, remoteErr); err != nil {
		c.abort(req, log, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "aborted")
		return Outcome{}, err
	}

	status := domain.StageSuccess
	if !online {
		if remoteErr != nil {
			log.Warn("remote inference failed, using offline synthesizer", "error", remoteErr, "kind", Kind(remoteErr))
			span.RecordError(remoteErr)
		}
		res = fallback.Synthesize(fallback.Input{
			AgeMonths:    req.Case.AgeMonths,
			Domain:       req.Case.Domain,
			Observations: caseText(req.Case),
		})
		status = domain.StageOffline
	}
	res.CaseID = req.Case.ID
	res.CreatedAt = c.now().UTC()
	if res.Domain == "" {
		res.Domain = req.Case.Domain
	}

	// Persisted before the stage write; a supersede from here on keeps it.
	out := Outcome{Result: res, Status: status, RemoteErr: remoteErr}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := resultstore.Put(persistCtx, c.results, res); err != nil {
		log.Error("persist result failed", "error", err)
		span.RecordError(err)
		out.PersistErr = err
		c.metrics.IncPersistFailure()
	}

	elapsed := c.now().Sub(started)
	var finishErr error
	if status == domain.StageOffline {
		finishErr = c.store.CompleteOffline(req.Epoch, req.StageID, res.AsOutput(), elapsed)
	} else {
		finishErr = c.store.Complete(req.Epoch, req.StageID, res.AsOutput(), elapsed)
	}
	if finishErr != nil {
		span.RecordError(finishErr)
		return Outcome{}, fmt.Errorf("finish stage: %w", finishErr)
	}
	c.metrics.ObserveStage(string(req.StageID), string(status), elapsed)
	c.metrics.ObserveInference(string(res.Source), Kind(remoteErr))

	span.SetAttributes(
		attribute.String("result.source", string(res.Source)),
		attribute.String("result.risk", string(res.Risk)),
		attribute.String("error.kind", Kind(remoteErr)),
	)
	log.Info("inference stage finished",
		"status", status,
		"risk", res.Risk,
		"source", res.Source,
		"duration_ms", elapsed.Milliseconds(),
	)
	return out, nil
}

// abortErr returns non-nil when the run must stop without a result.
func (c *Client) abortErr(ctx context.Context, remoteErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case errors.Is(remoteErr, pipeline.ErrStaleEpoch),
		errors.Is(remoteErr, pipeline.ErrClosed),
		errors.Is(remoteErr, pipeline.ErrStageTerminal),
		errors.Is(remoteErr, pipeline.ErrUnknownStage):
		return remoteErr
	}
	return nil
}

func (c *Client) abort(req Request, log *logger.Logger, cause error) {
	err := c.store.Fail(req.Epoch, req.StageID)
	switch {
	case err == nil:
		log.Info("inference stage aborted", "cause", cause)
	case errors.Is(err, pipeline.ErrStaleEpoch), errors.Is(err, pipeline.ErrClosed), errors.Is(err, pipeline.ErrStageTerminal):
		log.Debug("inference stage aborted after pipeline moved on", "cause", cause)
	default:
		log.Warn("fail stage", "error", err)
	}
}

type streamRequest struct {
	AgeMonths       int    `json:"age_months"`
	Domain          string `json:"domain"`
	Observations    string `json:"observations"`
	CaseID          string `json:"case_id"`
	VoiceTranscript string `json:"voice_transcript,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// stream performs the remote call. Store rejections (stale epoch) are
// returned unwrapped so Execute can tell them apart from remote failures.
func (c *Client) stream(ctx context.Context, req Request) (domain.StoredResult, error) {
	body, err := json.Marshal(streamRequest{
		AgeMonths:       req.Case.AgeMonths,
		Domain:          string(req.Case.Domain),
		Observations:    req.Case.Observations,
		CaseID:          req.Case.ID,
		VoiceTranscript: strings.TrimSpace(req.Case.VoiceTranscript),
		Priority:        string(req.Case.Priority),
	})
	if err != nil {
		return domain.StoredResult{}, err
	}

	streamCtx := ctx
	if c.streamTimeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeoutCause(ctx, c.streamTimeout, &TimeoutError{Phase: "stream", After: c.streamTimeout})
		defer cancel()
	}
	readCtx, cancelRead := context.WithCancelCause(streamCtx)
	defer cancelRead(nil)

	resp, err := c.open(readCtx, body)
	if err != nil {
		return domain.StoredResult{}, c.timeoutCause(ctx, readCtx, err)
	}
	defer resp.Body.Close()

	var idle *time.Timer
	if c.idleTimeout > 0 {
		idle = time.AfterFunc(c.idleTimeout, func() {
			cancelRead(&TimeoutError{Phase: "idle", After: c.idleTimeout})
		})
		defer idle.Stop()
	}

	var buf strings.Builder
	dec := frame.NewDecoder(resp.Body)
	if idle != nil {
		// Heartbeat comments count as activity.
		dec.OnLine(func() { idle.Reset(c.idleTimeout) })
	}
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var remote *frame.RemoteError
			if errors.As(err, &remote) {
				return domain.StoredResult{}, &StreamError{Err: err}
			}
			return domain.StoredResult{}, c.timeoutCause(ctx, readCtx, &StreamError{Err: err})
		}
		switch f.Kind {
		case frame.KindToken:
			buf.WriteString(f.Text)
			if err := c.store.AppendToken(req.Epoch, req.StageID, f.Text); err != nil {
				return domain.StoredResult{}, err
			}
		case frame.KindComplete:
			return resultFromMap(f.Result, req.Case.Domain, domain.SourceOnline), nil
		}
	}

	// A read that ended because the context died surfaces as a clean EOF from
	// some transports; check before trusting the buffer.
	if cause := c.timeoutCause(ctx, readCtx, nil); cause != nil {
		return domain.StoredResult{}, cause
	}
	if obj, ok := extractResult(buf.String()); ok {
		c.log.Debug("result extracted from token stream", "case_id", req.Case.ID)
		return resultFromMap(obj, req.Case.Domain, domain.SourceExtracted), nil
	}
	return domain.StoredResult{}, &ParseError{Err: errNoResult}
}

// timeoutCause prefers the caller's cancellation, then a timeout recorded on
// readCtx, then err.
func (c *Client) timeoutCause(parent, readCtx context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if readCtx.Err() != nil {
		var te *TimeoutError
		if cause := context.Cause(readCtx); errors.As(cause, &te) {
			return te
		}
	}
	return err
}

// open POSTs the request and waits for a 2xx. Only this step is retried.
func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := c.openOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var netErr *NetworkError
		if !errors.As(err, &netErr) || !netErr.retryable() || attempt == c.maxRetries {
			break
		}
		c.log.Debug("retrying stream open", "attempt", attempt+1, "error", err)
		c.metrics.IncOpenRetry()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) openOnce(ctx context.Context, body []byte) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer
	if c.openTimeout > 0 {
		timer = time.AfterFunc(c.openTimeout, func() {
			cancel(&TimeoutError{Phase: "open", After: c.openTimeout})
		})
	}
	release := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		release()
		cancel(nil)
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	release()
	if err != nil {
		defer cancel(nil)
		var te *TimeoutError
		if errors.As(context.Cause(attemptCtx), &te) {
			return nil, te
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		cancel(nil)
		return nil, parseHTTPError(resp.StatusCode, raw)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// cancelOnClose releases the per-attempt context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func caseText(c domain.Case) string {
	return domain.Input{Observations: c.Observations, VoiceTranscript: c.VoiceTranscript}.Text()
}
