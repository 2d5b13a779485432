// Package orchestrator answers a natural-language query by fanning it out to
// every domain the caller may access and synthesizing the partial results.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/audit"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/auth"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/domains"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/logging"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/routing"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/stream"
	"github.com/jcornell3/tamshai-enterprise-ai-sub010/pkg/synth"
)

const DefaultCallTimeout = 30 * time.Second

const (
	StatusSuccess             = "success"
	StatusError               = "error"
	StatusTimeout             = "timeout"
	StatusPendingConfirmation = "pending_confirmation"
)

var ErrNoAccessibleDomains = errors.New("no accessible domains")

type DomainCaller interface {
	Query(ctx context.Context, d routing.DomainConfig, user auth.UserContext, query string) (domains.Response, error)
}

type Publisher interface {
	Publish(userID string, evt stream.Event)
}

type Request struct {
	Query     string
	User      auth.UserContext
	RequestID string
}

type DomainStatus struct {
	Domain         string `json:"domain"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	ConfirmationID string `json:"confirmationId,omitempty"`
	DurationMs     int64  `json:"durationMs"`
}

type PendingConfirmation struct {
	Domain         string `json:"domain"`
	ConfirmationID string `json:"confirmationId"`
	Message        string `json:"message,omitempty"`
}

type Result struct {
	Response             string
	Domains              []DomainStatus
	Denied               []string
	PendingConfirmations []PendingConfirmation
	DurationMs           int64
}

// Queried lists every attempted domain regardless of outcome.
func (r Result) Queried() []string {
	out := make([]string, 0, len(r.Domains))
	for _, d := range r.Domains {
		out = append(out, d.Domain)
	}
	return out
}

type Orchestrator struct {
	Router      *routing.Router
	Domains     DomainCaller
	Synth       synth.Synthesizer
	Audit       audit.Recorder
	Publisher   Publisher
	Logger      *slog.Logger
	CallTimeout time.Duration
	// OnDomainCall observes every settled domain call.
	OnDomainCall func(domain, status string, d time.Duration)
	Now          func() time.Time
}

type callOutcome struct {
	status DomainStatus
	source *synth.Source
	pend   *PendingConfirmation
}

// Query never fails because of individual domains. It returns
// ErrNoAccessibleDomains when the caller's roles reach no domain at all.
func (o *Orchestrator) Query(ctx context.Context, req Request) (Result, error) {
	start := o.now()
	decision := o.Router.AccessibleDomains(req.User.Roles)
	rec := audit.Record{
		Timestamp:       start.UTC(),
		RequestID:       req.RequestID,
		Kind:            audit.KindQuery,
		Actor:           req.User.UserID,
		RolesAtDecision: req.User.Roles,
		DomainsAccessed: decision.AccessibleNames(),
		DomainsDenied:   decision.DeniedNames(),
	}
	if len(decision.Accessible) == 0 {
		rec.Outcome = "denied"
		o.Audit.Record(ctx, rec)
		return Result{Denied: decision.DeniedNames()}, ErrNoAccessibleDomains
	}

	outcomes := make([]callOutcome, len(decision.Accessible))
	var g errgroup.Group
	for i, d := range decision.Accessible {
		g.Go(func() error {
			outcomes[i] = o.call(ctx, d, req)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Denied: decision.DeniedNames()}
	var sources []synth.Source
	for _, out := range outcomes {
		res.Domains = append(res.Domains, out.status)
		if out.source != nil {
			sources = append(sources, *out.source)
		}
		if out.pend != nil {
			res.PendingConfirmations = append(res.PendingConfirmations, *out.pend)
		}
	}

	answer, err := o.Synth.Synthesize(ctx, synth.Request{
		Query:   req.Query,
		UserID:  req.User.UserID,
		Roles:   req.User.Roles,
		Sources: sources,
	})
	if err != nil {
		o.logger().Warn("synthesis failed, using summary", "error", err, "request_id", req.RequestID)
		answer, _ = synth.Summary{}.Synthesize(ctx, synth.Request{Query: req.Query, Sources: sources})
	}
	for _, p := range res.PendingConfirmations {
		if p.Message != "" {
			answer += "\n\n" + p.Message
		}
	}
	res.Response = answer
	o.publish(req, stream.EventSynthesisCompleted, map[string]int{"sources": len(sources)})

	res.DurationMs = o.now().Sub(start).Milliseconds()
	rec.DurationMs = res.DurationMs
	rec.Outcome = "success"
	if len(sources) == 0 {
		rec.Outcome = "no_data"
	}
	o.Audit.Record(ctx, rec)
	return res, nil
}

// call runs one domain query under its own timeout. A call still running at
// the deadline is abandoned and its eventual result dropped.
func (o *Orchestrator) call(ctx context.Context, d routing.DomainConfig, req Request) callOutcome {
	start := o.now()
	o.publish(req, stream.EventDomainStarted, map[string]string{"domain": d.Name})

	callCtx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()
	type reply struct {
		resp domains.Response
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := o.Domains.Query(callCtx, d, req.User, req.Query)
		ch <- reply{resp, err}
	}()

	var out callOutcome
	out.status.Domain = d.Name
	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			out.status.Status = StatusError
			out.status.Error = r.err.Error()
			if errors.Is(r.err, context.DeadlineExceeded) {
				out.status.Status = StatusTimeout
			}
		case r.resp.Status == domains.StatusPendingConfirmation:
			out.status.Status = StatusPendingConfirmation
			out.status.ConfirmationID = r.resp.ConfirmationID
			out.pend = &PendingConfirmation{Domain: d.Name, ConfirmationID: r.resp.ConfirmationID, Message: r.resp.Message}
		default:
			out.status.Status = StatusSuccess
			out.source = &synth.Source{Domain: d.Name, Data: r.resp.Data}
		}
	case <-callCtx.Done():
		out.status.Status = StatusTimeout
		out.status.Error = callCtx.Err().Error()
		if !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			out.status.Status = StatusError
		}
	}
	elapsed := o.now().Sub(start)
	out.status.DurationMs = elapsed.Milliseconds()

	switch out.status.Status {
	case StatusSuccess:
		o.publish(req, stream.EventDomainCompleted, out.status)
	case StatusPendingConfirmation:
		o.publish(req, stream.EventConfirmationPending, out.pend)
	default:
		o.logger().Warn("domain call failed", "domain", d.Name, "status", out.status.Status, "error", out.status.Error, "request_id", req.RequestID)
		o.publish(req, stream.EventDomainFailed, out.status)
	}
	if o.OnDomainCall != nil {
		o.OnDomainCall(d.Name, out.status.Status, elapsed)
	}
	return out
}

func (o *Orchestrator) publish(req Request, eventType string, data any) {
	if o.Publisher == nil {
		return
	}
	o.Publisher.Publish(req.User.UserID, stream.NewEvent(eventType, req.RequestID, data))
}

func (o *Orchestrator) timeout() time.Duration {
	if o.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return o.CallTimeout
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Orchestrator) logger() *slog.Logger { return logging.OrDiscard(o.Logger) }
