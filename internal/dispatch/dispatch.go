// Package dispatch maps operator chat messages onto the session
// machine, the runner and the status lookup, and journals every run.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/metrics"
	"github.com/opsdesk/approval-bot/internal/model"
	"github.com/opsdesk/approval-bot/internal/runner"
	"github.com/opsdesk/approval-bot/internal/session"
)

// MaxMessage is the chat platform's per-message size limit.
const MaxMessage = 4096

type executor interface {
	Run(ctx context.Context, req model.Request) model.Result
}

type statusLookup interface {
	Service(ctx context.Context, service string) model.Status
}

type journal interface {
	Append(rec model.Record) (model.Record, error)
	LoadAll() []model.Record
}

// Replier delivers text back to the operator.
type Replier interface {
	Reply(text string)
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(string)

func (f ReplierFunc) Reply(text string) { f(text) }

// Message is one inbound chat message.
type Message struct {
	From string
	Text string
}

// Config wires a Dispatcher.
type Config struct {
	Operator       string
	Runner         executor
	Status         statusLookup
	Journal        journal
	Replier        Replier
	Metrics        *metrics.Metrics
	ConfirmTimeout time.Duration
	// SessionOptions are passed through to session.New.
	SessionOptions []session.Option
}

// Dispatcher owns the operator session.
type Dispatcher struct {
	operator string
	runner   executor
	status   statusLookup
	journal  journal
	reply    Replier
	metrics  *metrics.Metrics
	timeout  time.Duration
	session  *session.Machine

	mu    sync.Mutex
	carry model.Fields
}

// New returns a Dispatcher. It panics if a collaborator is missing.
func New(cfg Config) *Dispatcher {
	if cfg.Runner == nil || cfg.Status == nil || cfg.Journal == nil || cfg.Replier == nil {
		panic("dispatch.New: missing collaborator")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = session.DefaultTimeout
	}
	d := &Dispatcher{
		operator: cfg.Operator,
		runner:   cfg.Runner,
		status:   cfg.Status,
		journal:  cfg.Journal,
		reply:    cfg.Replier,
		metrics:  cfg.Metrics,
		timeout:  cfg.ConfirmTimeout,
	}
	opts := append([]session.Option{session.WithTimeout(cfg.ConfirmTimeout)}, cfg.SessionOptions...)
	d.session = session.New(d.expired, opts...)
	return d
}

// Session exposes the machine for inspection.
func (d *Dispatcher) Session() *session.Machine { return d.session }

const help = `Commands:
/check <service> <version> <env> - preflight a release
/rollout <service> <version> <env> - roll a release out (asks for confirmation)
/check or /rollout with no arguments - record requester details first
/status <service> - look up service health
/history - show the journal
/cancel - abandon whatever is in progress`

// Handle processes one message. Messages from anyone but the operator
// are ignored.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) {
	if d.operator != "" && msg.From != d.operator {
		log.Printf("dropping message from=%s", msg.From)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		d.handleText(ctx, text)
		return
	}

	fields := strings.Fields(text)
	cmd, args := strings.TrimPrefix(fields[0], "/"), fields[1:]
	// "/check@approvalbot" style mentions.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	d.metrics.Commands.WithLabelValues(cmd).Inc()

	switch cmd {
	case "start", "help":
		d.reply.Reply(help)
	case runner.CommandCheck, runner.CommandRollout:
		d.handleRun(ctx, cmd, args)
	case "status":
		d.handleStatus(ctx, args)
	case "history":
		d.handleHistory()
	case "cancel":
		d.session.Reset()
		d.reply.Reply("Nothing in progress now.")
	default:
		d.reply.Reply("Unknown command. Send /start for help.")
	}
}

func (d *Dispatcher) handleRun(ctx context.Context, cmd string, args []string) {
	switch len(args) {
	case 0:
		prompt, err := d.session.StartCollection(cmd)
		if err != nil {
			d.reply.Reply(capitalize(apperr.Message(err)) + ".")
			return
		}
		d.reply.Reply(prompt)
	case 3:
		if d.session.State() != session.Idle {
			d.reply.Reply(capitalize(apperr.Message(apperr.ErrSessionBusy)) + ".")
			return
		}
		req := model.Request{
			Command: cmd,
			Service: args[0],
			Version: args[1],
			Env:     args[2],
			Fields:  d.takeCarry(),
		}
		req.Status = d.status.Service(ctx, req.Service)

		if cmd == runner.CommandCheck {
			d.execute(ctx, req)
			return
		}
		req.Batches = runner.DefaultBatches
		if err := d.session.Arm(req); err != nil {
			d.reply.Reply(capitalize(apperr.Message(err)) + ".")
			return
		}
		d.reply.Reply(fmt.Sprintf("%s\n\nRoll out %s %s to %s in %d batches?\nReply YES within %s to proceed; anything else cancels.",
			formatStatus(req.Service, req.Status), req.Service, req.Version, req.Env, req.Batches, d.timeout))
	default:
		d.reply.Reply(fmt.Sprintf("Usage: /%s <service> <version> <env>, or /%s alone to enter details first.", cmd, cmd))
	}
}

func (d *Dispatcher) handleText(ctx context.Context, text string) {
	switch d.session.State() {
	case session.AwaitingConfirmation:
		req, res, err := d.session.Resolve(text)
		if err != nil {
			// The timer won the race.
			d.reply.Reply(capitalize(apperr.Message(err)) + ".")
			return
		}
		if res != session.Confirmed {
			d.metrics.Confirmations.WithLabelValues("cancelled").Inc()
			d.reply.Reply("Rollout cancelled.")
			return
		}
		d.metrics.Confirmations.WithLabelValues("confirmed").Inc()
		d.execute(ctx, req)

	case session.Collecting:
		prompt, done, err := d.session.Answer(text)
		if err != nil {
			d.reply.Reply(capitalize(apperr.Message(err)) + ".")
			return
		}
		if done == nil {
			d.reply.Reply(prompt)
			return
		}
		d.mu.Lock()
		d.carry = done.Fields
		d.mu.Unlock()
		d.reply.Reply(fmt.Sprintf("Details saved. Now send /%s <service> <version> <env>.", done.Command))

	default:
		d.reply.Reply("Nothing in progress. Send /start for help.")
	}
}

func (d *Dispatcher) expired(req model.Request) {
	d.metrics.Confirmations.WithLabelValues("expired").Inc()
	log.Printf("pending rollout expired service=%s version=%s env=%s", req.Service, req.Version, req.Env)
	d.reply.Reply("Rollout cancelled (timeout).")
}

func (d *Dispatcher) takeCarry() model.Fields {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.carry
	d.carry = nil
	return f
}

// execute runs req, replies with the outcome and journals it.
func (d *Dispatcher) execute(ctx context.Context, req model.Request) {
	start := time.Now()
	res := d.runner.Run(ctx, req)
	d.metrics.RunDuration.WithLabelValues(req.Command).Observe(time.Since(start).Seconds())

	outcome := model.OutcomeFailed
	if res.OK {
		outcome = model.OutcomeSuccess
	}
	d.metrics.Runs.WithLabelValues(req.Command, outcome).Inc()
	log.Printf("run command=%s service=%s version=%s env=%s outcome=%s duration=%s",
		req.Command, req.Service, req.Version, req.Env, outcome, time.Since(start))

	rec := model.Record{
		Command: req.Command,
		Service: req.Service,
		Version: req.Version,
		Env:     req.Env,
		Fields:  req.Fields.Clone(),
		Outcome: outcome,
		Message: res.Message,
	}
	if req.Status != (model.Status{}) {
		st := req.Status
		rec.Status = &st
	}

	d.reply.Reply(res.Message)
	if _, err := d.journal.Append(rec); err != nil {
		log.Printf("journal append failed: %v", err)
		d.reply.Reply(capitalize(apperr.Message(err)) + ".")
	}
}

func (d *Dispatcher) handleStatus(ctx context.Context, args []string) {
	if len(args) != 1 {
		d.reply.Reply("Usage: /status <service>")
		return
	}
	d.reply.Reply(formatStatus(args[0], d.status.Service(ctx, args[0])))
}

func (d *Dispatcher) handleHistory() {
	records := d.journal.LoadAll()
	if len(records) == 0 {
		d.reply.Reply("Journal is empty.")
		return
	}
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(formatRecord(r))
	}
	for _, part := range Chunk(b.String(), MaxMessage) {
		d.reply.Reply(part)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
