// Package runner drives the deploy controller's HTTP API: it resolves
// a release, then either runs a preflight check or rolls the release
// out batch by batch.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

const (
	CommandCheck   = "check"
	CommandRollout = "rollout"

	// DefaultBatches is used when a rollout request leaves Batches unset.
	DefaultBatches = 5

	statusApplied = "applied"
)

// checkAccepted lists preflight statuses that count as a pass.
var checkAccepted = map[string]bool{
	"passed":  true,
	"warning": true,
}

// Runner is safe for concurrent use.
type Runner struct {
	base    string
	token   string
	client  *http.Client
	timeout time.Duration
}

// New returns a Runner for the controller at baseURL. callTimeout
// bounds every individual HTTP call; non-positive means 10s.
func New(baseURL, token string, callTimeout time.Duration) *Runner {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Runner{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
		timeout: callTimeout,
	}
}

// Run executes req and always returns a Result; errors are folded
// into Result.Message.
func (r *Runner) Run(ctx context.Context, req model.Request) model.Result {
	var steps []model.StepResult
	step := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		st := "ok"
		detail := ""
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				st = "canceled"
			} else {
				st = "error"
			}
			detail = apperr.Kind(err)
		}
		steps = append(steps, model.StepResult{
			Name:       name,
			Status:     st,
			DurationMS: time.Since(start).Milliseconds(),
			Detail:     detail,
		})
		return err
	}

	var releaseID string
	err := step("resolve", func() error {
		id, err := r.resolve(ctx, req)
		releaseID = id
		return err
	})
	if err != nil {
		return failed(steps, "Release lookup failed: %s", describe(err))
	}

	switch req.Command {
	case CommandCheck:
		var status string
		err := step("check", func() error {
			s, err := r.check(ctx, releaseID, req.Env)
			status = s
			return err
		})
		if err != nil {
			return failed(steps, "Preflight failed: %s", describe(err))
		}
		if !checkAccepted[status] {
			return failed(steps, "Preflight failed: status %s", status)
		}
		return model.Result{
			OK:      true,
			Message: fmt.Sprintf("Preflight passed for %s %s in %s", req.Service, req.Version, req.Env),
			Steps:   steps,
		}

	case CommandRollout:
		n := req.Batches
		if n <= 0 {
			n = DefaultBatches
		}
		for i := 1; i <= n; i++ {
			var status string
			err := step(fmt.Sprintf("batch-%d", i), func() error {
				s, err := r.batch(ctx, releaseID, req.Env, i, n)
				status = s
				return err
			})
			if err != nil {
				return failed(steps, "Rollout halted at batch %d/%d: %s", i, n, describe(err))
			}
			if status != statusApplied {
				return failed(steps, "Rollout halted at batch %d/%d: status %s", i, n, status)
			}
		}
		return model.Result{
			OK:      true,
			Message: fmt.Sprintf("Rolled out %s %s to %s in %d batches", req.Service, req.Version, req.Env, n),
			Steps:   steps,
		}

	default:
		return failed(steps, "Unknown command %q", req.Command)
	}
}

func failed(steps []model.StepResult, format string, args ...any) model.Result {
	return model.Result{OK: false, Message: fmt.Sprintf(format, args...), Steps: steps}
}

func describe(err error) string {
	var ue *upstreamError
	if errors.As(err, &ue) && ue.msg != "" {
		return ue.msg
	}
	return apperr.Message(err)
}

// upstreamError carries the controller's own error text.
type upstreamError struct {
	code int
	msg  string
}

func (e *upstreamError) Error() string { return fmt.Sprintf("controller returned %d: %s", e.code, e.msg) }
func (e *upstreamError) Unwrap() error { return apperr.ErrRejected }

func (r *Runner) resolve(ctx context.Context, req model.Request) (string, error) {
	var out struct {
		ReleaseID string `json:"release_id"`
	}
	body := map[string]string{"service": req.Service, "version": req.Version}
	if err := r.post(ctx, "/v1/releases", body, &out); err != nil {
		return "", err
	}
	if out.ReleaseID == "" {
		return "", fmt.Errorf("resolve: %w", apperr.ErrMalformed)
	}
	return out.ReleaseID, nil
}

func (r *Runner) check(ctx context.Context, releaseID, env string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/v1/releases/" + url.PathEscape(releaseID) + "/checks"
	if err := r.post(ctx, path, map[string]string{"env": env}, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (r *Runner) batch(ctx context.Context, releaseID, env string, n, of int) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/v1/releases/" + url.PathEscape(releaseID) + "/batches"
	body := map[string]any{"env": env, "batch": n, "of": of}
	if err := r.post(ctx, path, body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (r *Runner) post(ctx context.Context, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &upstreamError{code: resp.StatusCode, msg: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, apperr.ErrMalformed)
	}
	return nil
}
