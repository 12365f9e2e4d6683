// Package workflow implements the incident-ticket workflows: a guided,
// stateful exchange that collects incident details, classifies them, asks
// for confirmation and only then commits a durable ticket.
package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// triggers start a workflow from a plain user message.
var triggers = []string{"report", "lapor", "complaint", "aduan", "complain"}

// positive / negative confirmation tokens, multilingual.
var (
	positiveReplies = map[string]bool{"yes": true, "ya": true, "confirm": true, "ok": true, "okay": true, "betul": true}
	negativeReplies = map[string]bool{"no": true, "tidak": true, "tak": true, "cancel": true, "batal": true}
)

// instance is one in-flight workflow, session-scoped.
type instance struct {
	ID        string
	SessionID string
	Kind      domain.WorkflowKind
	Status    domain.WorkflowStatus
	// accumulator of collected fields: location, details.
	Fields         map[string]string
	ImageB64       string
	Classification domain.Classification
	Preview        string
	StartedAt      time.Time
}

// Engine drives workflow instances. Instances live in memory keyed by
// session id; per-session serialisation upstream means at most one step per
// session runs at a time, the mutex only guards the map across sessions.
type Engine struct {
	mu        sync.Mutex
	active    map[string]*instance
	classify  Classifier
	tickets   domain.TicketRepository
	events    domain.WorkflowEventRepository
	blobs     domain.BlobStore
	analytics domain.AnalyticsWriter
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// Classifier derives the closed-vocabulary triple from collected fields.
type Classifier interface {
	Classify(ctx domain.Context, text, imageB64 string) domain.Classification
}

// NewEngine wires the workflow engine. prefix is the blob key prefix for
// incident images; retention bounds ticket lifetime.
func NewEngine(classify Classifier, tickets domain.TicketRepository, events domain.WorkflowEventRepository, blobs domain.BlobStore, analytics domain.AnalyticsWriter, prefix string, retention time.Duration) *Engine {
	if prefix == "" {
		prefix = "incidents/"
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Engine{
		active:    make(map[string]*instance),
		classify:  classify,
		tickets:   tickets,
		events:    events,
		blobs:     blobs,
		analytics: analytics,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// Handle advances (or starts) the session's workflow. handled=false hands
// the message back to the intent pipelines.
func (e *Engine) Handle(ctx domain.Context, sessionID, userText, imageB64 string) (domain.Envelope, bool, error) {
	e.mu.Lock()
	wf := e.active[sessionID]
	e.mu.Unlock()

	if wf == nil {
		if !isTrigger(userText) {
			return domain.Envelope{}, false, nil
		}
		wf = e.start(sessionID, userText, imageB64)
		return e.reply(wf, e.openingQuestion(wf)), true, nil
	}
	env, err := e.step(ctx, wf, userText, imageB64)
	if err != nil {
		return domain.Envelope{}, true, err
	}
	return env, true, nil
}

// start allocates a new instance. The kind follows the opening message:
// image attached means image-incident, otherwise text-incident for reports
// and complaint for grievances.
func (e *Engine) start(sessionID, userText, imageB64 string) *instance {
	kind := domain.WorkflowTextIncident
	if imageB64 != "" {
		kind = domain.WorkflowImageIncident
	} else if containsAny(strings.ToLower(userText), "complaint", "aduan", "complain") {
		kind = domain.WorkflowComplaint
	}
	wf := &instance{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Kind:      kind,
		Status:    domain.WorkflowCollecting,
		Fields:    map[string]string{"details": strings.TrimSpace(userText)},
		ImageB64:  imageB64,
		StartedAt: e.now().UTC(),
	}
	e.mu.Lock()
	e.active[sessionID] = wf
	e.mu.Unlock()
	slog.Info("workflow started",
		slog.String("workflow_id", wf.ID),
		slog.String("session_id", sessionID),
		slog.String("kind", string(kind)))
	return wf
}

func (e *Engine) openingQuestion(wf *instance) string {
	if wf.Fields["location"] == "" {
		return "Thanks for the report. Where exactly is the issue? Please give a street name or landmark. / Terima kasih atas laporan anda. Di manakah lokasi masalah ini?"
	}
	return "Can you describe the issue and any hazard it poses? / Boleh terangkan masalah ini dan bahayanya?"
}

// step advances one collecting/confirming exchange.
func (e *Engine) step(ctx domain.Context, wf *instance, userText, imageB64 string) (domain.Envelope, error) {
	text := strings.TrimSpace(userText)
	if imageB64 != "" {
		wf.ImageB64 = imageB64
		if wf.Kind != domain.WorkflowImageIncident {
			wf.Kind = domain.WorkflowImageIncident
		}
	}

	switch wf.Status {
	case domain.WorkflowCollecting:
		return e.collect(ctx, wf, text)
	case domain.WorkflowAwaitingConfirm:
		return e.confirm(ctx, wf, text)
	default:
		// committed or abandoned instances should already be evicted.
		e.evict(wf.SessionID)
		return domain.Envelope{}, fmt.Errorf("op=workflow.step: unexpected status %s: %w", wf.Status, domain.ErrInternal)
	}
}

// collect accumulates fields; once location and details are present the
// classifier runs and a ticket preview is shown for confirmation.
func (e *Engine) collect(ctx domain.Context, wf *instance, text string) (domain.Envelope, error) {
	if wf.Fields["location"] == "" {
		wf.Fields["location"] = text
	} else {
		wf.Fields["details"] = strings.TrimSpace(wf.Fields["details"] + "\n" + text)
	}

	if wf.Fields["location"] == "" || wf.Fields["details"] == "" {
		return e.reply(wf, e.openingQuestion(wf)), nil
	}

	wf.Status = domain.WorkflowClassifying
	wf.Classification = e.classify.Classify(ctx, wf.Fields["details"]+"\nLocation: "+wf.Fields["location"], wf.ImageB64)
	wf.Preview = fmt.Sprintf(
		"Here is your ticket preview:\nType: %s\nCategory: %s / %s\nLocation: %s\nDetails: %s\n\nReply \"yes\" to submit or \"no\" to start over. / Balas \"ya\" untuk hantar atau \"tidak\" untuk mula semula.",
		wf.Classification.Feedback, wf.Classification.Category, wf.Classification.SubCategory,
		wf.Fields["location"], wf.Fields["details"])
	wf.Status = domain.WorkflowAwaitingConfirm
	return e.reply(wf, wf.Preview), nil
}

// confirm commits on a positive reply and resets on a negative one. An
// unrecognised reply re-asks.
func (e *Engine) confirm(ctx domain.Context, wf *instance, text string) (domain.Envelope, error) {
	token := strings.ToLower(strings.Trim(text, ".,!? "))
	switch {
	case positiveReplies[token]:
		return e.commit(ctx, wf)
	case negativeReplies[token]:
		wf.Fields = map[string]string{}
		wf.ImageB64 = ""
		wf.Status = domain.WorkflowCollecting
		return e.reply(wf, "Okay, let's start over. "+e.openingQuestion(wf)), nil
	default:
		return e.reply(wf, wf.Preview), nil
	}
}

// commit makes the ticket durable: image upload, conditional ticket insert
// (regenerating the number on collision), audit event, eviction.
func (e *Engine) commit(ctx domain.Context, wf *instance) (domain.Envelope, error) {
	now := e.now().UTC()

	blobKey := ""
	if wf.ImageB64 != "" {
		data, err := decodeImage(wf.ImageB64)
		if err != nil {
			slog.Warn("incident image undecodable, committing without it", slog.String("workflow_id", wf.ID), slog.Any("error", err))
		} else {
			blobKey = e.prefix + wf.ID + ".img"
			if err := e.blobs.Put(ctx, blobKey, data, mimetype.Detect(data).String()); err != nil {
				slog.Warn("incident image upload failed, committing without it", slog.String("workflow_id", wf.ID), slog.Any("error", err))
				blobKey = ""
			}
		}
	}

	ticket := domain.Ticket{
		Subject:     subjectFor(wf),
		Details:     wf.Fields["details"],
		Location:    wf.Fields["location"],
		Feedback:    wf.Classification.Feedback,
		Category:    wf.Classification.Category,
		SubCategory: wf.Classification.SubCategory,
		CreatedAt:   now,
		Status:      "OPEN",
		BlobKey:     blobKey,
		ExpiresAt:   now.Add(e.retention),
	}

	var inserted bool
	for attempt := 0; attempt < 5; attempt++ {
		ticket.TicketNumber = NewTicketNumber(e.now())
		err := e.tickets.Insert(ctx, ticket)
		if err == nil {
			inserted = true
			break
		}
		if !isConflict(err) {
			return domain.Envelope{}, fmt.Errorf("op=workflow.commit: %w", err)
		}
		slog.Warn("ticket number collision, regenerating", slog.String("ticket_number", ticket.TicketNumber))
	}
	if !inserted {
		return domain.Envelope{}, fmt.Errorf("op=workflow.commit: ticket number space exhausted: %w", domain.ErrConflict)
	}

	ev := domain.WorkflowEvent{
		EventID:      ulid.Make().String(),
		TicketNumber: ticket.TicketNumber,
		EventType:    domain.EventIncidentCreated,
		Timestamp:    now,
		Payload: map[string]any{
			"workflow_id": wf.ID,
			"kind":        string(wf.Kind),
			"category":    ticket.Category,
		},
	}
	if err := e.events.Append(ctx, ev); err != nil {
		slog.Error("workflow event append failed", slog.String("ticket_number", ticket.TicketNumber), slog.Any("error", err))
	}
	if e.analytics != nil {
		e.analytics.RecordSession(ctx, wf.SessionID, domain.EventIncidentCreated, map[string]any{
			"ticket_number": ticket.TicketNumber,
			"kind":          string(wf.Kind),
		})
	}

	wf.Status = domain.WorkflowCommitted
	e.evict(wf.SessionID)
	slog.Info("workflow committed",
		slog.String("workflow_id", wf.ID),
		slog.String("ticket_number", ticket.TicketNumber))

	msg := fmt.Sprintf("Your ticket %s has been submitted. We will follow up within 3 working days. / Tiket anda %s telah dihantar.", ticket.TicketNumber, ticket.TicketNumber)
	return e.reply(wf, msg), nil
}

// Owns reports whether the session has an in-flight workflow.
func (e *Engine) Owns(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[sessionID] != nil
}

// Abandon drops a session's workflow, e.g. on disconnect.
func (e *Engine) Abandon(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wf := e.active[sessionID]; wf != nil {
		wf.Status = domain.WorkflowAbandoned
		delete(e.active, sessionID)
	}
}

func (e *Engine) evict(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	e.mu.Unlock()
}

func (e *Engine) reply(wf *instance, text string) domain.Envelope {
	return domain.Envelope{
		Text:             text,
		Classification:   domain.IntentWorkflow,
		DetectedLanguage: "en",
		Sentiment:        "NEUTRAL",
		SentimentConf:    0.5,
		ResponseTone:     "professional",
	}
}

func subjectFor(wf *instance) string {
	details := wf.Fields["details"]
	if len(details) > 80 {
		details = details[:80]
	}
	return details
}

func isTrigger(text string) bool {
	return containsAny(strings.ToLower(text), triggers...)
}

func containsAny(lower string, words ...string) bool {
	for _, f := range strings.Fields(lower) {
		f = strings.Trim(f, ".,!?;:\"'()")
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}
