package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

// --- manual timer ---

type fakeTimer struct {
	fire    func()
	stopped atomic.Bool
}

func (f *fakeTimer) Stop() bool { return !f.stopped.Swap(true) }

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) afterFunc(_ time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{fire: f}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) last() *fakeTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[len(ts.all)-1]
}

func newMachine(t *testing.T) (*Machine, *timers, *[]model.Request) {
	t.Helper()

	ts := &timers{}
	var expired []model.Request
	m := New(func(r model.Request) { expired = append(expired, r) }, WithAfterFunc(ts.afterFunc))
	return m, ts, &expired
}

var rollout = model.Request{Command: "rollout", Service: "api", Version: "1.4.2", Env: "prod", Batches: 3}

func TestCollection_Complete(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t)

	prompt, err := m.StartCollection("rollout")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if prompt != Prompt("requester") {
		t.Fatalf("expected first prompt, got %q", prompt)
	}
	if m.State() != Collecting {
		t.Fatalf("expected collecting, got %s", m.State())
	}

	answers := []string{"ana", " platform ", "CHG-7", "quarterly patch"}
	var done *Completed
	for i, a := range answers {
		_, done, err = m.Answer(a)
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if i < len(answers)-1 && done != nil {
			t.Fatalf("completed early at step %d", i)
		}
	}
	if done == nil {
		t.Fatal("expected completion after last step")
	}
	if done.Command != "rollout" {
		t.Fatalf("expected command rollout, got %q", done.Command)
	}
	for _, step := range Steps {
		if done.Fields[step] == "" {
			t.Fatalf("expected field %q to be populated, got %+v", step, done.Fields)
		}
	}
	if done.Fields["team"] != "platform" {
		t.Fatalf("expected trimmed answer, got %q", done.Fields["team"])
	}
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if err := m.Arm(rollout); err != nil {
		t.Fatalf("expected direct invocation to be accepted after collection, got %v", err)
	}
}

func TestStartCollection_Busy(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t)
	if _, err := m.StartCollection("check"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.StartCollection("rollout"); !errors.Is(err, apperr.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if err := m.Arm(rollout); !errors.Is(err, apperr.ErrSessionBusy) {
		t.Fatalf("expected Arm to be rejected while collecting, got %v", err)
	}
}

func TestAnswer_Idle(t *testing.T) {
	t.Parallel()

	m, _, _ := newMachine(t)
	if _, _, err := m.Answer("hi"); !errors.Is(err, apperr.ErrNothingToDo) {
		t.Fatalf("expected ErrNothingToDo, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want Resolution
	}{
		{name: "yes", text: "YES", want: Confirmed},
		{name: "yes_lower_padded", text: "  yes \n", want: Confirmed},
		{name: "no", text: "no", want: Cancelled},
		{name: "yes_please", text: "yes please", want: Cancelled},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, ts, _ := newMachine(t)
			if err := m.Arm(rollout); err != nil {
				t.Fatalf("arm: %v", err)
			}
			req, res, err := m.Resolve(tt.text)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res != tt.want {
				t.Fatalf("expected resolution %d, got %d", tt.want, res)
			}
			if req.Service != "api" {
				t.Fatalf("expected captured request, got %+v", req)
			}
			if !ts.last().stopped.Load() {
				t.Fatal("expected timer to be stopped")
			}
			if m.State() != Idle {
				t.Fatalf("expected idle, got %s", m.State())
			}
		})
	}
}

func TestPending_ConsumedOnce(t *testing.T) {
	t.Parallel()

	t.Run("text_then_timer", func(t *testing.T) {
		t.Parallel()

		m, ts, expired := newMachine(t)
		if err := m.Arm(rollout); err != nil {
			t.Fatalf("arm: %v", err)
		}
		if _, _, err := m.Resolve("YES"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		ts.last().fire()
		if len(*expired) != 0 {
			t.Fatalf("expected late timer to no-op, got %d expiries", len(*expired))
		}
		if _, _, err := m.Resolve("no"); !errors.Is(err, apperr.ErrNothingToDo) {
			t.Fatalf("expected ErrNothingToDo, got %v", err)
		}
	})

	t.Run("timer_then_text", func(t *testing.T) {
		t.Parallel()

		m, ts, expired := newMachine(t)
		if err := m.Arm(rollout); err != nil {
			t.Fatalf("arm: %v", err)
		}
		ts.last().fire()
		if len(*expired) != 1 || (*expired)[0].Service != "api" {
			t.Fatalf("expected one expiry with the captured request, got %+v", *expired)
		}
		if _, _, err := m.Resolve("YES"); !errors.Is(err, apperr.ErrNothingToDo) {
			t.Fatalf("expected ErrNothingToDo, got %v", err)
		}
		ts.last().fire()
		if len(*expired) != 1 {
			t.Fatalf("expected second fire to no-op, got %d expiries", len(*expired))
		}
	})

	t.Run("stale_timer_ignores_newer_slot", func(t *testing.T) {
		t.Parallel()

		m, ts, expired := newMachine(t)
		if err := m.Arm(rollout); err != nil {
			t.Fatalf("arm: %v", err)
		}
		first := ts.last()
		if _, _, err := m.Resolve("no"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if err := m.Arm(rollout); err != nil {
			t.Fatalf("re-arm: %v", err)
		}
		first.fire()
		if len(*expired) != 0 {
			t.Fatalf("expected stale timer to no-op, got %d expiries", len(*expired))
		}
		if m.State() != AwaitingConfirmation {
			t.Fatalf("expected newer request to stay pending, got %s", m.State())
		}
	})
}

func TestPending_ConcurrentConsumers(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		var fired atomic.Int32
		m := New(func(model.Request) { fired.Add(1) }, WithTimeout(time.Millisecond))
		if err := m.Arm(rollout); err != nil {
			t.Fatalf("arm: %v", err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, text := range []string{"YES", "no"} {
			wg.Add(1)
			go func(text string) {
				defer wg.Done()
				if _, _, err := m.Resolve(text); err == nil {
					wins.Add(1)
				}
			}(text)
		}
		wg.Wait()
		time.Sleep(5 * time.Millisecond)

		if total := wins.Load() + fired.Load(); total != 1 {
			t.Fatalf("iteration %d: expected exactly one consumer, got %d", i, total)
		}
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	m, ts, _ := newMachine(t)
	if err := m.Arm(rollout); err != nil {
		t.Fatalf("arm: %v", err)
	}
	m.Reset()
	if m.State() != Idle {
		t.Fatalf("expected idle, got %s", m.State())
	}
	if !ts.last().stopped.Load() {
		t.Fatal("expected timer to be stopped")
	}
}
