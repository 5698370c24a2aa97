// Package session tracks the single in-flight operator conversation:
// an optional guided collection flow and an optional pending
// confirmation guarded by an expiry timer.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

// State is the observable state of a Machine.
type State int

const (
	Idle State = iota
	Collecting
	AwaitingConfirmation
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	default:
		return "idle"
	}
}

// Steps is the fixed order of the guided collection flow.
var Steps = []string{"requester", "team", "ticket", "reason"}

var prompts = map[string]string{
	"requester": "Who is requesting this?",
	"team":      "Which team owns the change?",
	"ticket":    "Change ticket id?",
	"reason":    "Short reason for the change?",
}

// Prompt returns the question asked for step.
func Prompt(step string) string { return prompts[step] }

// DefaultTimeout bounds how long a prepared request waits for "YES".
const DefaultTimeout = 60 * time.Second

// Timer is the part of *time.Timer the machine needs.
type Timer interface {
	Stop() bool
}

// Completed is yielded when the last collection step is answered.
type Completed struct {
	Command string
	Fields  model.Fields
}

// Resolution says how a pending request left the slot.
type Resolution int

const (
	Confirmed Resolution = iota
	Cancelled
	Expired
)

type collection struct {
	command string
	step    int
	fields  model.Fields
}

type slot struct {
	id    uint64
	req   model.Request
	timer Timer
}

// Machine is safe for concurrent use. Message handlers and the expiry
// timer race for the pending slot; exactly one of them wins it.
type Machine struct {
	timeout   time.Duration
	afterFunc func(time.Duration, func()) Timer
	onExpire  func(model.Request)

	mu      sync.Mutex
	collect *collection
	pending *slot
	seq     uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc, mainly for tests.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(m *Machine) { m.afterFunc = fn }
}

// New returns an idle Machine. onExpire is called, outside the lock,
// with the discarded request when a pending confirmation times out.
func New(onExpire func(model.Request), opts ...Option) *Machine {
	m := &Machine{
		timeout:  DefaultTimeout,
		onExpire: onExpire,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	switch {
	case m.pending != nil:
		return AwaitingConfirmation
	case m.collect != nil:
		return Collecting
	default:
		return Idle
	}
}

// StartCollection begins the guided flow for command and returns the
// first prompt.
func (m *Machine) StartCollection(command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateLocked() != Idle {
		return "", apperr.ErrSessionBusy
	}
	m.collect = &collection{command: command, fields: make(model.Fields, len(Steps))}
	return Prompt(Steps[0]), nil
}

// Answer records text for the current step. It returns the next prompt,
// or a non-nil Completed once the last step is answered, at which
// point the machine is idle again.
func (m *Machine) Answer(text string) (string, *Completed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collect
	if c == nil {
		return "", nil, apperr.ErrNothingToDo
	}
	c.fields[Steps[c.step]] = strings.TrimSpace(text)
	c.step++
	if c.step < len(Steps) {
		return Prompt(Steps[c.step]), nil, nil
	}

	m.collect = nil
	return "", &Completed{Command: c.command, Fields: c.fields}, nil
}

// Arm parks req in the pending slot and starts the expiry timer.
func (m *Machine) Arm(req model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateLocked() != Idle {
		return apperr.ErrSessionBusy
	}
	m.seq++
	id := m.seq
	m.pending = &slot{id: id, req: req}
	m.pending.timer = m.afterFunc(m.timeout, func() { m.expire(id) })
	return nil
}

// Resolve consumes the pending request in response to operator text.
// "YES" (any case, surrounding space ignored) confirms; anything else
// cancels. It returns apperr.ErrNothingToDo when the slot is empty.
func (m *Machine) Resolve(text string) (model.Request, Resolution, error) {
	res := Cancelled
	if strings.EqualFold(strings.TrimSpace(text), "YES") {
		res = Confirmed
	}
	req, ok := m.consume(0)
	if !ok {
		return model.Request{}, res, apperr.ErrNothingToDo
	}
	return req, res, nil
}

// Reset drops any collection flow and pending request.
func (m *Machine) Reset() {
	m.consume(0)
	m.mu.Lock()
	m.collect = nil
	m.mu.Unlock()
}

func (m *Machine) expire(id uint64) {
	req, ok := m.consume(id)
	if !ok {
		return
	}
	if m.onExpire != nil {
		m.onExpire(req)
	}
}

// consume clears the pending slot and stops its timer. A non-zero id
// only matches the slot it was armed for, so a late timer can never
// take a newer request.
func (m *Machine) consume(id uint64) (model.Request, bool) {
	m.mu.Lock()
	p := m.pending
	if p == nil || (id != 0 && p.id != id) {
		m.mu.Unlock()
		return model.Request{}, false
	}
	m.pending = nil
	m.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	return p.req, true
}
