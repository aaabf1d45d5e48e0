// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turn runs one chat turn: it persists the user message, asks the
// assigned experts (or the default assistant) for replies and reports
// progress as a sequence of TurnEvents.
//
// # Description
//
// A turn moves through
//
//	Idle -> UserMessageSaved -> {NoExpert | SingleExpert | Debate} -> Complete
//
// with a Disconnected state reachable from anywhere after the user message
// is saved. Begin performs every check that can be answered with a plain
// HTTP error; Run drives the rest and never returns an error, since by then
// the client is consuming events.
//
// # Thread Safety
//
// An Orchestrator is safe for concurrent use. A Turn is used by one
// goroutine.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/services/llm"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/conversation"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/memory"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/observability"
	"github.com/AleutianAI/ExpertChat/services/policy_engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("expertchat.turn")

// errDisconnected marks a failed event write. It never reaches the client.
var errDisconnected = errors.New("client disconnected")

// =============================================================================
// Collaborators
// =============================================================================

// Store is the persistence a turn reads and writes.
type Store interface {
	GetConversation(ctx context.Context, id, userID string) (*datatypes.Conversation, error)
	GetAssignedExperts(ctx context.Context, conversationID string) ([]datatypes.AssignedExpert, error)
	GetEnabledBehaviors(ctx context.Context, expertID string) ([]string, error)
	GetRecentMemories(ctx context.Context, expertID string, limit int) ([]datatypes.Memory, error)
	GetDocumentTexts(ctx context.Context, conversationID string) ([]datatypes.Document, error)
	ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error)
	InsertMessage(ctx context.Context, msg datatypes.Message) (datatypes.Message, error)
	TouchConversation(ctx context.Context, id string) error
	TouchExpertLastUsed(ctx context.Context, expertID string) error
	GetUserDefaultBackendID(ctx context.Context, userID string) (string, error)
	ListUserExperts(ctx context.Context, userID string) ([]datatypes.Expert, error)
}

// BackendResolver picks the upstream for one reply.
type BackendResolver interface {
	ResolveOrFallback(ctx context.Context, userID string, sel backends.Selection, fallback datatypes.BackendConfig) (datatypes.BackendConfig, error)
}

// JobSubmitter queues background work. Implemented by jobs.Runner.
type JobSubmitter interface {
	Submit(kind string, payload any) (string, error)
}

// OutboundScanner looks for secrets in context bound for a remote backend.
type OutboundScanner interface {
	ScanMessages(contents []string) []policy_engine.Finding
}

// Emitter delivers turn events to the client. A non-nil error means the
// client is gone.
type Emitter interface {
	Emit(event datatypes.TurnEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event datatypes.TurnEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(event datatypes.TurnEvent) error { return f(event) }

// Deps are the Orchestrator's collaborators. Scanner, Audit and Metrics are
// optional.
type Deps struct {
	Store     Store
	Resolver  BackendResolver
	Client    llm.CompletionClient
	Assembler *conversation.Assembler
	Defaults  backends.DefaultsSource
	Jobs      JobSubmitter
	Scanner   OutboundScanner
	Audit     extensions.AuditLogger
	Metrics   *observability.ChatMetrics
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator starts turns.
type Orchestrator struct {
	deps Deps
}

// NewOrchestrator creates an Orchestrator. It panics when a required
// dependency is nil.
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Store == nil || deps.Resolver == nil || deps.Client == nil ||
		deps.Assembler == nil || deps.Defaults == nil || deps.Jobs == nil {
		panic("NewOrchestrator: store, resolver, client, assembler, defaults and jobs are required")
	}
	if deps.Audit == nil {
		deps.Audit = &extensions.NopAuditLogger{}
	}
	return &Orchestrator{deps: deps}
}

// Begin validates the request, loads the conversation and persists the
// user message.
//
// # Outputs
//
//   - *Turn: Ready to Run.
//   - error: *datatypes.ValidationError, *datatypes.NotFoundError, or a
//     store failure. Nothing has been persisted when an error is returned.
func (o *Orchestrator) Begin(ctx context.Context, userID, conversationID string, req datatypes.SendMessageRequest) (*Turn, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	conv, err := o.deps.Store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	userMsg, err := o.deps.Store.InsertMessage(ctx, datatypes.Message{
		ConversationID: conv.ID,
		Role:           datatypes.RoleUser,
		Content:        req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	return &Turn{
		deps:         o.deps,
		userID:       userID,
		conversation: *conv,
		userMessage:  userMsg,
		logger:       slog.With("conversation_id", conv.ID, "user_id", userID),
	}, nil
}

// =============================================================================
// Turn
// =============================================================================

// RunOptions select the transport flavour of a turn.
type RunOptions struct {
	// Buffered uses a single non-streaming call per reply and emits the
	// whole reply as one token event.
	Buffered bool

	Endpoint observability.Endpoint
}

// Result summarises a finished turn for buffered responses and audit.
type Result struct {
	UserMessage datatypes.Message
	Replies     []datatypes.Message
	Suggested   []datatypes.ExpertSummary

	// ErrorMessage is the sanitized text sent in the error event.
	ErrorMessage string

	// Err is the underlying failure. Never shown to clients.
	Err error

	// Cancelled is set when the client went away mid-turn.
	Cancelled bool
}

// Turn is one user message awaiting replies.
type Turn struct {
	deps         Deps
	userID       string
	conversation datatypes.Conversation
	userMessage  datatypes.Message
	logger       *slog.Logger

	opts         RunOptions
	emitter      Emitter
	cancel       context.CancelFunc
	disconnected bool
}

// UserMessage returns the persisted user message.
func (t *Turn) UserMessage() datatypes.Message {
	return t.userMessage
}

// slot is one reply to produce. expert is nil on the default path.
type slot struct {
	index    int
	expert   *datatypes.Expert
	assigned *datatypes.AssignedExpert
}

// Run produces the replies and emits events to emitter.
//
// # Description
//
// Events are user_message, then per reply expert_start, token..., and
// expert_end, then optionally suggested_experts, then done. A failure emits
// error then done and skips the remaining experts. When the client
// disconnects (emitter error or ctx cancelled) the in-flight reply is
// discarded, later experts are skipped and nothing more is emitted.
//
// Once done has been emitted, one memory extraction job is queued per
// memory-enabled assigned expert.
func (t *Turn) Run(ctx context.Context, emitter Emitter, opts RunOptions) Result {
	if opts.Endpoint == "" {
		opts.Endpoint = observability.EndpointSSE
	}
	t.opts = opts
	t.emitter = emitter

	ctx, span := tracer.Start(ctx, "turn.Run", trace.WithAttributes(
		attribute.String("conversation.id", t.conversation.ID),
		attribute.String("endpoint", string(opts.Endpoint)),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancel = cancel

	started := time.Now()
	t.deps.Metrics.TurnStarted(opts.Endpoint)

	res, assigned, mode := t.run(ctx)

	outcome := observability.OutcomeSuccess
	switch {
	case res.Cancelled:
		outcome = observability.OutcomeCancelled
		t.deps.Metrics.RecordClientDisconnect(opts.Endpoint)
		span.SetAttributes(attribute.Bool("turn.cancelled", true))
	case res.Err != nil:
		outcome = observability.OutcomeError
		if errors.Is(res.Err, datatypes.ErrBackendUnresolved) {
			outcome = observability.OutcomeUnresolved
		}
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	t.deps.Metrics.TurnEnded(opts.Endpoint, outcome, time.Since(started).Seconds())

	// Audit and job submission must outlive a disconnected request.
	bg := context.WithoutCancel(ctx)
	if outcome == observability.OutcomeSuccess {
		t.scheduleExtraction(assigned)
	}
	t.audit(bg, res, outcome, mode, len(assigned))
	return res
}

func (t *Turn) run(ctx context.Context) (Result, []datatypes.AssignedExpert, string) {
	res := Result{UserMessage: t.userMessage}
	if !t.send(datatypes.NewUserMessageEvent(t.userMessage)) {
		res.Cancelled = true
		return res, nil, ""
	}

	assigned, err := t.deps.Store.GetAssignedExperts(ctx, t.conversation.ID)
	if err != nil {
		return t.fail(ctx, res, fmt.Errorf("load assigned experts: %w", err)), nil, ""
	}

	slots, participants, mode := planSlots(t.conversation, assigned)

	for _, s := range slots {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res, assigned, mode
		}
		reply, err := t.answer(ctx, s, participants)
		if err != nil {
			if t.isCancellation(ctx, err) {
				t.logger.Info("Turn cancelled by client", "slot", s.index)
				res.Cancelled = true
				return res, assigned, mode
			}
			return t.fail(ctx, res, err), assigned, mode
		}
		res.Replies = append(res.Replies, reply)
		if t.disconnected {
			res.Cancelled = true
			return res, assigned, mode
		}
	}

	if len(assigned) == 0 && t.conversation.AutoSuggestExperts {
		res.Suggested = t.suggest(ctx)
		if len(res.Suggested) > 0 && !t.send(datatypes.NewSuggestedExpertsEvent(res.Suggested)) {
			res.Cancelled = true
			return res, assigned, mode
		}
	}

	if err := t.deps.Store.TouchConversation(ctx, t.conversation.ID); err != nil {
		t.logger.Warn("Failed to update conversation timestamp", "error", err)
	}
	if !t.send(datatypes.NewDoneEvent()) {
		// Every reply is already persisted; the turn itself completed.
		t.logger.Debug("Client left before done was delivered")
	}
	return res, assigned, mode
}

// planSlots decides who answers. Debate off means the first assigned
// expert only.
func planSlots(conv datatypes.Conversation, assigned []datatypes.AssignedExpert) ([]slot, []string, string) {
	if len(assigned) == 0 {
		return []slot{{index: 0}}, nil, "default"
	}
	if !conv.ExpertDebateEnabled || len(assigned) == 1 {
		a := &assigned[0]
		return []slot{{index: 0, expert: &a.Expert, assigned: a}}, nil, "single"
	}

	slots := make([]slot, len(assigned))
	participants := make([]string, len(assigned))
	for i := range assigned {
		a := &assigned[i]
		slots[i] = slot{index: i, expert: &a.Expert, assigned: a}
		participants[i] = a.Name
	}
	return slots, participants, "debate"
}

// =============================================================================
// One reply
// =============================================================================

func (t *Turn) answer(ctx context.Context, s slot, participants []string) (datatypes.Message, error) {
	defaults := t.deps.Defaults()

	userDefault, err := t.deps.Store.GetUserDefaultBackendID(ctx, t.userID)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("load user settings: %w", err)
	}

	sel := backends.Selection{UserDefaultID: userDefault}
	model := defaults.Model
	var expertID, expertName *string
	if s.expert != nil {
		sel.ConversationOverrideID = s.assigned.BackendOverrideID
		sel.ExpertBackendID = s.expert.BackendID
		model = backends.PickModel(s.assigned.AssignmentModelOverride, s.expert.ModelOverride, defaults.Model)
		id, name := s.expert.ID, s.expert.Name
		expertID, expertName = &id, &name
	}

	backend, err := t.deps.Resolver.ResolveOrFallback(ctx, t.userID, sel, defaults.Fallback)
	if err != nil {
		return datatypes.Message{}, err
	}

	in, err := t.loadContext(ctx, s.expert)
	if err != nil {
		return datatypes.Message{}, err
	}
	in.DebateParticipants = participants
	messages := t.deps.Assembler.Assemble(in)

	if !backend.IsLocal() {
		t.scanOutbound(ctx, messages, backend, expertID)
	}

	if !t.send(datatypes.NewExpertStartEvent(expertID, expertName, s.index)) {
		return datatypes.Message{}, errDisconnected
	}

	acc := newReplyAccumulator()
	defer acc.Destroy()

	req := llm.CompletionRequest{Messages: messages, Model: model, Backend: backend}
	if err := t.generate(ctx, req, acc); err != nil {
		if !t.isCancellation(ctx, err) {
			t.deps.Metrics.RecordExpertCall(t.opts.Endpoint, observability.OutcomeError)
		}
		return datatypes.Message{}, err
	}
	t.deps.Metrics.RecordExpertCall(t.opts.Endpoint, observability.OutcomeSuccess)

	content, contentHash, err := acc.Finalize()
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("finalize reply: %w", err)
	}

	// The upstream call has completed; a disconnect from here on must not
	// lose the reply.
	persistCtx := context.WithoutCancel(ctx)
	reply, err := t.deps.Store.InsertMessage(persistCtx, datatypes.Message{
		ConversationID: t.conversation.ID,
		Role:           datatypes.RoleAssistant,
		ExpertID:       expertID,
		ExpertName:     expertName,
		Content:        content,
		ContentHash:    contentHash,
	})
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("save reply: %w", err)
	}

	if s.expert != nil {
		if err := t.deps.Store.TouchExpertLastUsed(persistCtx, s.expert.ID); err != nil {
			t.logger.Warn("Failed to update expert last used", "expert_id", s.expert.ID, "error", err)
		}
	}

	// A failed expert_end still leaves the reply persisted; Run reports the
	// disconnect through t.disconnected.
	t.send(datatypes.NewExpertEndEvent(reply))
	return reply, nil
}

// generate fills acc with the reply, streaming tokens to the client as
// they arrive.
func (t *Turn) generate(ctx context.Context, req llm.CompletionRequest, acc *replyAccumulator) error {
	if t.opts.Buffered {
		content, err := t.deps.Client.Complete(ctx, req)
		if err != nil {
			return err
		}
		if err := acc.Write(content); err != nil {
			return err
		}
		if !t.send(datatypes.NewTokenEvent(content)) {
			return errDisconnected
		}
		return nil
	}

	started := time.Now()
	first := true
	completion, err := t.deps.Client.Stream(ctx, req, func(token string) error {
		if first {
			t.deps.Metrics.RecordTimeToFirstToken(t.opts.Endpoint, time.Since(started).Seconds())
			first = false
		}
		if err := acc.Write(token); err != nil {
			return err
		}
		if !t.send(datatypes.NewTokenEvent(token)) {
			return errDisconnected
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completion.Usage != nil {
		t.deps.Metrics.RecordTokens(completion.Usage.PromptTokens, completion.Usage.CompletionTokens, req.Model)
	}
	return nil
}

// loadContext reads everything the assembler needs for one reply.
// History is re-read per reply so debate experts see earlier answers.
func (t *Turn) loadContext(ctx context.Context, expert *datatypes.Expert) (conversation.AssembleInput, error) {
	in := conversation.AssembleInput{
		Expert:           expert,
		ConversationType: t.conversation.Type,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history, err := t.deps.Store.ListMessages(gctx, t.conversation.ID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		in.History = history
		return nil
	})
	g.Go(func() error {
		docs, err := t.deps.Store.GetDocumentTexts(gctx, t.conversation.ID)
		if err != nil {
			return fmt.Errorf("load documents: %w", err)
		}
		in.Documents = docs
		return nil
	})
	if expert != nil {
		g.Go(func() error {
			behaviors, err := t.deps.Store.GetEnabledBehaviors(gctx, expert.ID)
			if err != nil {
				return fmt.Errorf("load behaviors: %w", err)
			}
			in.Behaviors = behaviors
			return nil
		})
		if expert.MemoryEnabled {
			g.Go(func() error {
				memories, err := t.deps.Store.GetRecentMemories(gctx, expert.ID, t.deps.Assembler.Config().MemoryLimit)
				if err != nil {
					return fmt.Errorf("load memories: %w", err)
				}
				in.Memories = memories
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return conversation.AssembleInput{}, err
	}
	return in, nil
}

// scanOutbound reports secrets about to leave the machine. It never blocks
// the call.
func (t *Turn) scanOutbound(ctx context.Context, messages []llm.Message, backend datatypes.BackendConfig, expertID *string) {
	if t.deps.Scanner == nil {
		return
	}
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	findings := t.deps.Scanner.ScanMessages(contents)
	if len(findings) == 0 {
		return
	}

	counts := make(map[string]int)
	patterns := make([]string, 0, len(findings))
	for _, f := range findings {
		counts[f.ClassificationName]++
		patterns = append(patterns, f.PatternID)
		t.deps.Metrics.RecordPolicyFinding(f.ClassificationName)
	}
	t.logger.Warn("Sensitive data in context sent to a remote backend",
		"backend_id", backend.BackendID,
		"findings", len(findings),
	)

	meta := map[string]any{
		"backend_id": backend.BackendID,
		"patterns":   patterns,
		"by_class":   counts,
		"message_id": t.userMessage.ID,
	}
	if expertID != nil {
		meta["expert_id"] = *expertID
	}
	if err := t.deps.Audit.Log(context.WithoutCancel(ctx), extensions.AuditEvent{
		EventType:    "policy.outbound_scan",
		UserID:       t.userID,
		Action:       "scan",
		ResourceType: "conversation",
		ResourceID:   t.conversation.ID,
		Outcome:      "flagged",
		Metadata:     meta,
	}); err != nil {
		t.logger.Warn("Failed to write audit event", "error", err)
	}
}

// =============================================================================
// Turn end
// =============================================================================

func (t *Turn) suggest(ctx context.Context) []datatypes.ExpertSummary {
	experts, err := t.deps.Store.ListUserExperts(ctx, t.userID)
	if err != nil {
		t.logger.Warn("Failed to load experts for suggestions", "error", err)
		return nil
	}
	// Nothing is assigned on this path, so there is nothing to exclude.
	return conversation.SuggestExperts(t.userMessage.Content, experts, nil)
}

func (t *Turn) scheduleExtraction(assigned []datatypes.AssignedExpert) {
	defaults := t.deps.Defaults()
	for _, a := range assigned {
		if !a.MemoryEnabled {
			continue
		}
		job := memory.Job{
			UserID:            t.userID,
			ConversationID:    t.conversation.ID,
			ExpertID:          a.ID,
			ExpertBackendID:   a.BackendID,
			BackendOverrideID: a.BackendOverrideID,
			Model:             backends.PickModel(a.AssignmentModelOverride, a.ModelOverride, defaults.Model),
		}
		if _, err := t.deps.Jobs.Submit(memory.JobKind, job); err != nil {
			t.logger.Warn("Failed to queue memory extraction", "expert_id", a.ID, "error", err)
			t.deps.Metrics.RecordMemoryJob("rejected")
		}
	}
}

func (t *Turn) fail(ctx context.Context, res Result, err error) Result {
	if t.isCancellation(ctx, err) {
		res.Cancelled = true
		return res
	}
	res.Err = err
	res.ErrorMessage = ClientMessage(err)
	t.logger.Error("Turn failed", "error", err)

	if t.send(datatypes.NewErrorEvent(res.ErrorMessage)) {
		t.send(datatypes.NewDoneEvent())
	}
	return res
}

func (t *Turn) audit(ctx context.Context, res Result, outcome observability.Outcome, mode string, assignedCount int) {
	err := t.deps.Audit.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.turn",
		UserID:       t.userID,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   t.conversation.ID,
		Outcome:      string(outcome),
		Metadata: map[string]any{
			"mode":     mode,
			"endpoint": string(t.opts.Endpoint),
			"experts":  assignedCount,
			"replies":  len(res.Replies),
		},
	})
	if err != nil {
		t.logger.Warn("Failed to write audit event", "error", err)
	}
}

// send emits event and reports whether the client is still there. The
// first failure cancels the turn context.
func (t *Turn) send(event datatypes.TurnEvent) bool {
	if t.disconnected {
		return false
	}
	if err := t.emitter.Emit(event); err != nil {
		t.disconnected = true
		t.cancel()
		return false
	}
	return true
}

func (t *Turn) isCancellation(ctx context.Context, err error) bool {
	return t.disconnected ||
		errors.Is(err, errDisconnected) ||
		errors.Is(err, llm.ErrCancelled) ||
		ctx.Err() != nil
}

// ClientMessage turns a turn failure into text safe to show the user.
// Backend configuration problems are explained; everything else is
// generic.
func ClientMessage(err error) string {
	var unresolved *datatypes.BackendUnresolvedError
	var upstream *llm.UpstreamError
	var invalid *llm.InvalidResponseError
	switch {
	case errors.As(err, &unresolved):
		return unresolved.Error()
	case errors.As(err, &upstream):
		if upstream.StatusCode > 0 {
			return fmt.Sprintf("The AI backend returned an error (HTTP %d). Please try again.", upstream.StatusCode)
		}
		return "The AI backend could not be reached. Please try again."
	case errors.As(err, &invalid):
		return "The AI backend returned an invalid response. Please try again."
	default:
		return "Something went wrong while generating a reply."
	}
}
