// Package pipeline applies the full ingest flow to one webhook request:
// lookup, signature verification, gate filter, persist, summarize, frame,
// deliver, and the fallback queue with drain-on-appearance.
package pipeline

import (
	"context"
	"log"
	"net/http"

	"github.com/hookwire/hookwire/internal/debug"
	"github.com/hookwire/hookwire/internal/filter"
	"github.com/hookwire/hookwire/internal/sessionwatch"
	"github.com/hookwire/hookwire/internal/storage"
	"github.com/hookwire/hookwire/internal/types"
)

// Code classifies the pipeline outcome for the HTTP layer.
type Code int

const (
	Accepted Code = iota
	Rejected
	NotFound
	Failed // store unavailable; maps to 500
)

// Rejection reasons surfaced to the sender.
const (
	ReasonPaused           = "paused"
	ReasonMissingSignature = "missing_signature"
	ReasonInvalidSignature = "invalid_signature"
)

// Result is the outcome of processing one webhook request.
type Result struct {
	Code    Code
	Reason  string
	EventID string
}

// Deliverer sends one framed message to a session.
type Deliverer interface {
	Inject(sessionID string, content []byte) (bool, error)
}

// Evaluator runs a filter expression against a payload.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, payload []byte) filter.Result
}

// Pipeline wires the store, filter engine, and injector together.
type Pipeline struct {
	store     *storage.Store
	filters   Evaluator
	deliverer Deliverer
}

// New creates a pipeline.
func New(store *storage.Store, filters Evaluator, deliverer Deliverer) *Pipeline {
	return &Pipeline{store: store, filters: filters, deliverer: deliverer}
}

// Process runs the state machine for one inbound request.
func (p *Pipeline) Process(ctx context.Context, subscriptionID string, headers http.Header, body []byte) Result {
	// LOOKUP
	sub, err := p.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		log.Printf("pipeline: lookup %s: %v", subscriptionID, err)
		return Result{Code: Failed}
	}
	if sub == nil {
		return Result{Code: NotFound}
	}
	if sub.Status == types.StatusPaused {
		return Result{Code: Rejected, Reason: ReasonPaused}
	}

	// VERIFY
	if sub.Secret != "" {
		header := headers.Get(sub.SigHeader())
		if header == "" {
			if _, err := p.store.LogEvent(ctx, sub.ID, string(body), types.VerificationRejected, false); err != nil {
				log.Printf("pipeline: logging rejected event: %v", err)
			}
			return Result{Code: Rejected, Reason: ReasonMissingSignature}
		}
		if !VerifySignature(sub.Secret, body, header) {
			if _, err := p.store.LogEvent(ctx, sub.ID, string(body), types.VerificationRejected, false); err != nil {
				log.Printf("pipeline: logging rejected event: %v", err)
			}
			return Result{Code: Rejected, Reason: ReasonInvalidSignature}
		}
	}

	// GATE: a dropped event is silently accepted with no trace.
	if sub.GateExpr != "" {
		if res := p.filters.Evaluate(ctx, sub.GateExpr, body); res.Dropped {
			debug.Logf("pipeline: gate dropped event for %s", sub.ID)
			return Result{Code: Accepted}
		}
	}

	// PERSIST
	event, err := p.store.LogEvent(ctx, sub.ID, string(body), types.VerificationAccepted, false)
	if err != nil {
		log.Printf("pipeline: persisting event for %s: %v", sub.ID, err)
		return Result{Code: Failed}
	}

	// SUMMARIZE
	summary := p.summarize(ctx, sub, body)

	// FRAME
	framed := Frame(sub, event.ID, summary)

	// DELIVER
	delivered, err := p.deliverer.Inject(sub.SessionID, []byte(framed))
	if err != nil {
		debug.Logf("pipeline: inject %s: %v", sub.SessionID, err)
		delivered = false
	}
	if !delivered {
		if _, err := p.store.Enqueue(ctx, sub.ID, sub.SessionID, framed); err != nil {
			log.Printf("pipeline: enqueue for %s: %v", sub.ID, err)
		}
		return Result{Code: Accepted, EventID: event.ID}
	}

	if err := p.store.MarkEventInjected(ctx, event.ID); err != nil {
		log.Printf("pipeline: marking injected: %v", err)
	}
	if err := p.store.IncrementEventCount(ctx, sub.ID); err != nil {
		log.Printf("pipeline: event count for %s: %v", sub.ID, err)
	}
	p.finishOneShot(ctx, sub)
	return Result{Code: Accepted, EventID: event.ID}
}

// summarize produces the text that ends up inside <payload>. No expression
// means the raw body truncated at 2000 bytes; a dropped or failed summary
// degrades to a 500-byte truncation.
func (p *Pipeline) summarize(ctx context.Context, sub *types.Subscription, body []byte) string {
	if sub.SummaryExpr == "" {
		return truncate(string(body), 2000)
	}
	res := p.filters.Evaluate(ctx, sub.SummaryExpr, body)
	if res.Dropped {
		return truncate(string(body), 500)
	}
	return string(res.Produced)
}

// finishOneShot deletes a one-shot subscription after its first
// successful delivery. Cascades events and queued entries.
func (p *Pipeline) finishOneShot(ctx context.Context, sub *types.Subscription) {
	if !sub.OneShot {
		return
	}
	if err := p.store.DeleteSubscription(ctx, sub.ID); err != nil {
		log.Printf("pipeline: removing one-shot subscription %s: %v", sub.ID, err)
	} else {
		debug.Logf("pipeline: one-shot subscription %s complete, removed", sub.ID)
	}
}

// DrainSession redelivers the session's queued events in enqueue order.
// Each entry gets a single inject attempt; a failure stops the drain (the
// next appearance will try again). On success the entry is removed and the
// owning subscription's event_count bumped in one transaction, and the
// oldest uninjected audit row for that subscription is marked injected.
func (p *Pipeline) DrainSession(ctx context.Context, sessionID string) {
	queued, err := p.store.ListQueuedForSession(ctx, sessionID)
	if err != nil {
		log.Printf("pipeline: listing queue for %s: %v", sessionID, err)
		return
	}
	if len(queued) == 0 {
		return
	}
	debug.Logf("pipeline: draining %d queued events to %s", len(queued), sessionID)

	for _, qe := range queued {
		ok, err := p.deliverer.Inject(qe.SessionID, []byte(qe.FramedPayload))
		if err != nil || !ok {
			debug.Logf("pipeline: drain inject to %s failed (ok=%v err=%v)", sessionID, ok, err)
			return
		}
		if err := p.store.DequeueDelivered(ctx, qe.ID, qe.SubscriptionID); err != nil {
			log.Printf("pipeline: dequeue %s: %v", qe.ID, err)
			return
		}
		p.markOldestInjected(ctx, qe.SubscriptionID)

		sub, err := p.store.GetSubscription(ctx, qe.SubscriptionID)
		if err == nil && sub != nil {
			p.finishOneShot(ctx, sub)
		}
	}
}

// markOldestInjected flips the subscription's oldest pending audit row to
// injected, matching the drained delivery.
func (p *Pipeline) markOldestInjected(ctx context.Context, subscriptionID string) {
	pending, err := p.store.ListUninjectedEvents(ctx, subscriptionID)
	if err != nil {
		log.Printf("pipeline: listing uninjected for %s: %v", subscriptionID, err)
		return
	}
	if len(pending) == 0 {
		return
	}
	if err := p.store.MarkEventInjected(ctx, pending[0].ID); err != nil {
		log.Printf("pipeline: marking injected: %v", err)
	}
}

// RunDrainLoop consumes session watcher events and drains queues whenever
// a session appears. Returns when the event stream closes or ctx ends.
func (p *Pipeline) RunDrainLoop(ctx context.Context, events <-chan sessionwatch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == sessionwatch.SessionAppeared {
				p.DrainSession(ctx, ev.SessionID)
			}
		}
	}
}

// truncate cuts s at max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
