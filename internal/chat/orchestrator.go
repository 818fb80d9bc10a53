package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strandapp/strand/internal/config"
	"github.com/strandapp/strand/internal/history"
	"github.com/strandapp/strand/internal/llm"
	"github.com/strandapp/strand/internal/prompt"
	"github.com/strandapp/strand/internal/tree"
)

// ErrConversationBusy is returned when a turn is already in flight for the
// conversation.
var ErrConversationBusy = errors.New("conversation already has a turn in flight")

const (
	defaultContextBudget = 32768
	titleTimeout         = 30 * time.Second
	defaultAssistantID   = "default"
)

// UserInput is the caller's message for one turn.
type UserInput struct {
	Text   string
	Search bool // request native web search for this turn
}

// Options tunes turn execution. Zero values fall back to the defaults the
// engine and history manager carry.
type Options struct {
	MaxTurns      int           // tool loop round cap
	ToolTimeout   time.Duration // per tool call
	ReadTimeout   time.Duration // per stream chunk
	ContextBudget int           // tokens; 0 = model context window
	SummaryTokens int           // summarizer target
}

// Orchestrator runs turns against the message tree: it assembles context,
// drives the engine, mirrors events into a draft the caller can observe, and
// commits the result as a tree candidate. At most one turn runs per
// conversation.
type Orchestrator struct {
	store    tree.Store
	cfg      *config.Config
	registry *llm.ToolRegistry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*TurnHandle
}

func NewOrchestrator(store tree.Store, cfg *config.Config, registry *llm.ToolRegistry, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = llm.NewToolRegistry()
	}
	return &Orchestrator{
		store:    store,
		cfg:      cfg,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// NewConversation creates and persists an empty conversation.
func (o *Orchestrator) NewConversation(ctx context.Context, providerID, modelID string) (tree.Conversation, error) {
	setting, ok := o.cfg.Provider(providerID)
	if !ok {
		return tree.Conversation{}, fmt.Errorf("unknown provider %q", providerID)
	}
	if _, ok := setting.FindModel(modelID); !ok {
		return tree.Conversation{}, fmt.Errorf("provider %q has no model %q", providerID, modelID)
	}
	conv := tree.NewConversation(defaultAssistantID, providerID, modelID)
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return tree.Conversation{}, err
	}
	return conv, nil
}

// turnPlan is everything a prepared turn needs before streaming starts.
type turnPlan struct {
	userMsg     llm.Message
	search      bool
	contextTree *tree.Tree // active path of this tree is the turn's context
	commit      func(wt *tree.Tree, cand tree.Candidate) (int, error)
}

// StartTurn runs one user turn and appends the result as a new tree node.
func (o *Orchestrator) StartTurn(ctx context.Context, conversationID string, input UserInput) (*TurnHandle, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, errors.New("empty user input")
	}
	return o.begin(ctx, conversationID, func(wt *tree.Tree) (*turnPlan, error) {
		return &turnPlan{
			userMsg:     llm.UserText(input.Text),
			search:      input.Search,
			contextTree: wt,
			commit: func(wt *tree.Tree, cand tree.Candidate) (int, error) {
				return wt.AppendTurn(cand), nil
			},
		}, nil
	})
}

// Regenerate re-runs the turn at nodeIndex with the same user message,
// appending a fresh candidate. The old candidate stays selectable.
func (o *Orchestrator) Regenerate(ctx context.Context, conversationID string, nodeIndex int) (*TurnHandle, error) {
	return o.begin(ctx, conversationID, func(wt *tree.Tree) (*turnPlan, error) {
		pos, err := pathPosition(wt, nodeIndex)
		if err != nil {
			return nil, err
		}
		userMsg, ok := userMessageOf(wt.Nodes[nodeIndex].Selected())
		if !ok {
			return nil, fmt.Errorf("node %d has no user message to regenerate", nodeIndex)
		}
		return &turnPlan{
			userMsg:     userMsg,
			contextTree: contextBefore(wt, pos),
			commit: func(wt *tree.Tree, cand tree.Candidate) (int, error) {
				if _, err := wt.AppendCandidate(nodeIndex, cand); err != nil {
					return 0, err
				}
				return nodeIndex, nil
			},
		}, nil
	})
}

// EditAndFork replaces the user message at nodeIndex with newContent and
// generates a reply on a fresh branch. The previous branch stays reachable
// through the old candidate.
func (o *Orchestrator) EditAndFork(ctx context.Context, conversationID string, nodeIndex int, newContent string) (*TurnHandle, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, errors.New("empty user input")
	}
	return o.begin(ctx, conversationID, func(wt *tree.Tree) (*turnPlan, error) {
		pos, err := pathPosition(wt, nodeIndex)
		if err != nil {
			return nil, err
		}
		return &turnPlan{
			userMsg:     llm.UserText(newContent),
			contextTree: contextBefore(wt, pos),
			commit: func(wt *tree.Tree, cand tree.Candidate) (int, error) {
				if _, err := wt.AppendCandidate(nodeIndex, cand); err != nil {
					return 0, err
				}
				return nodeIndex, nil
			},
		}, nil
	})
}

// begin acquires the conversation's single-flight slot, prepares the turn,
// and launches it.
func (o *Orchestrator) begin(ctx context.Context, conversationID string, prepare func(*tree.Tree) (*turnPlan, error)) (*TurnHandle, error) {
	o.mu.Lock()
	if o.inflight == nil {
		o.inflight = make(map[string]*TurnHandle)
	}
	if _, busy := o.inflight[conversationID]; busy {
		o.mu.Unlock()
		return nil, ErrConversationBusy
	}
	// Reserve before loading so a concurrent caller cannot slip in.
	o.inflight[conversationID] = nil
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.inflight, conversationID)
		o.mu.Unlock()
	}

	wt, err := o.store.LoadTree(ctx, conversationID)
	if err != nil {
		release()
		return nil, err
	}
	plan, err := prepare(wt)
	if err != nil {
		release()
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	h := newTurnHandle(cancel)

	o.mu.Lock()
	o.inflight[conversationID] = h
	o.mu.Unlock()

	go func() {
		defer release()
		defer cancel()
		o.run(turnCtx, h, wt, plan)
	}()
	return h, nil
}

// run executes one prepared turn end to end. The tree clone wt is mutated
// freely; it reaches the store only through SaveTree on commit, so a
// cancelled turn leaves the persisted tree untouched.
func (o *Orchestrator) run(ctx context.Context, h *TurnHandle, wt *tree.Tree, plan *turnPlan) {
	provider, model, err := o.providerFor(wt.Conversation)
	if err != nil {
		h.finish(tree.Candidate{}, err)
		return
	}

	messages, err := o.assembleContext(ctx, wt, plan, provider, model)
	if err != nil {
		h.finish(tree.Candidate{}, err)
		return
	}
	messages = append(messages, plan.userMsg)

	base := llm.Request{
		Model:             model.ID,
		Messages:          messages,
		Search:            plan.search,
		MaxTurns:          o.opts.MaxTurns,
		ParallelToolCalls: true,
	}
	if model.HasAbility("tools") {
		base.Tools = o.registry.AllSpecs()
	}
	req := llm.ComposeRequest(model, base, nil, nil)

	engine := llm.NewEngine(provider, o.registry, o.logger)
	if o.opts.ToolTimeout > 0 {
		engine.SetToolTimeout(o.opts.ToolTimeout)
	}

	var (
		turnMu    sync.Mutex
		collected []llm.Message
	)
	engine.SetTurnCompletedCallback(func(_ context.Context, _ int, msgs []llm.Message, _ llm.TurnMetrics) error {
		turnMu.Lock()
		collected = append(collected, msgs...)
		turnMu.Unlock()
		return nil
	})

	stream, err := engine.Stream(ctx, req)
	if err != nil {
		o.finishFailed(ctx, h, wt, plan, "", llm.Usage{}, err)
		return
	}
	stream = withReadTimeout(stream, o.opts.ReadTimeout)
	defer stream.Close()

	var (
		text  strings.Builder
		usage llm.Usage
		phase = llm.PhaseSending
	)
	snapshot := func(toolName string) {
		h.push(DraftUpdate{Phase: phase, Text: text.String(), ToolName: toolName, Usage: usage})
	}

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			classified := llm.ClassifyError(provider.Name(), err)
			if llm.IsCancelled(classified) {
				// Nothing is committed; the persisted tree predates the turn.
				h.push(DraftUpdate{Phase: llm.PhaseFailed, Text: text.String(), Usage: usage})
				h.finish(tree.Candidate{}, classified)
				return
			}
			o.finishFailed(ctx, h, wt, plan, text.String(), usage, classified)
			return
		}

		switch event.Type {
		case llm.EventTextDelta:
			phase = llm.PhaseStreaming
			text.WriteString(event.Text)
			snapshot("")
		case llm.EventToolExecStart:
			phase = llm.PhaseToolCallPending
			snapshot(event.ToolName)
		case llm.EventToolExecEnd:
			phase = llm.PhaseStreaming
			snapshot("")
		case llm.EventUsage:
			usage.Add(event.Use)
			snapshot("")
		}
	}

	phase = llm.PhaseFinalizing
	snapshot("")

	turnMu.Lock()
	turnMessages := collected
	turnMu.Unlock()
	if len(turnMessages) == 0 && text.Len() > 0 {
		turnMessages = []llm.Message{llm.AssistantText(text.String())}
	}

	turnUsage := usage
	cand := tree.Candidate{
		Messages:  append([]llm.Message{plan.userMsg}, turnMessages...),
		Usage:     &turnUsage,
		Status:    tree.StatusOK,
		Next:      -1,
		CreatedAt: time.Now(),
	}
	nodeIndex, err := o.commit(ctx, wt, plan, cand)
	if err != nil {
		h.finish(tree.Candidate{}, err)
		return
	}

	phase = llm.PhaseDone
	snapshot("")
	h.finish(cand, nil)

	if nodeIndex == 0 && wt.Conversation.Title == "" {
		go o.generateTitle(wt.Conversation.ID, llm.CollectText([]llm.Message{plan.userMsg}), text.String())
	}
}

// finishFailed commits a failed candidate preserving the partial text, then
// reports the classified error through the handle.
func (o *Orchestrator) finishFailed(ctx context.Context, h *TurnHandle, wt *tree.Tree, plan *turnPlan, partial string, usage llm.Usage, cause error) {
	messages := []llm.Message{plan.userMsg}
	if partial != "" {
		messages = append(messages, llm.AssistantText(partial))
	}
	turnUsage := usage
	cand := tree.Candidate{
		Messages:  messages,
		Usage:     &turnUsage,
		Status:    tree.StatusFailed,
		Next:      -1,
		CreatedAt: time.Now(),
	}
	if _, err := o.commit(ctx, wt, plan, cand); err != nil {
		o.logger.Warn("failed-draft commit failed", "conversation", wt.Conversation.ID, "error", err)
	}
	h.push(DraftUpdate{Phase: llm.PhaseFailed, Text: partial, Usage: usage})
	h.finish(cand, cause)
}

func (o *Orchestrator) commit(ctx context.Context, wt *tree.Tree, plan *turnPlan, cand tree.Candidate) (int, error) {
	nodeIndex, err := plan.commit(wt, cand)
	if err != nil {
		return 0, err
	}
	// The turn context may already be cancelled when committing a failed
	// draft; persistence still has to happen.
	if err := o.store.SaveTree(context.WithoutCancel(ctx), wt); err != nil {
		return 0, fmt.Errorf("persist turn: %w", err)
	}
	return nodeIndex, nil
}

// assembleContext resolves the effective history for the turn, persisting a
// new truncation boundary on the working tree when compression occurred.
func (o *Orchestrator) assembleContext(ctx context.Context, wt *tree.Tree, plan *turnPlan, provider llm.Provider, model config.Model) ([]llm.Message, error) {
	estimator := history.NewEstimator(model.ID)
	summarize := func(ctx context.Context, instructions string) (string, error) {
		return o.oneShot(ctx, provider, model, instructions)
	}
	manager := history.NewManager(estimator, summarize, o.logger)
	if o.opts.SummaryTokens > 0 {
		manager.SetSummaryTokens(o.opts.SummaryTokens)
	}

	budget := model.ContextWindow
	if budget <= 0 {
		budget = o.opts.ContextBudget
	}
	if budget <= 0 {
		budget = defaultContextBudget
	}

	res, err := manager.EffectiveContext(ctx, plan.contextTree, budget)
	if err != nil {
		return nil, err
	}
	if res.Compressed && plan.contextTree == wt {
		wt.SetTruncation(res.TruncationIndex, res.Summary)
	}
	return res.Messages, nil
}

func (o *Orchestrator) providerFor(conv tree.Conversation) (llm.Provider, config.Model, error) {
	setting, ok := o.cfg.Provider(conv.ProviderID)
	if !ok {
		return nil, config.Model{}, fmt.Errorf("unknown provider %q", conv.ProviderID)
	}
	model, ok := setting.FindModel(conv.ModelID)
	if !ok {
		return nil, config.Model{}, fmt.Errorf("provider %q has no model %q", conv.ProviderID, conv.ModelID)
	}
	provider, err := llm.NewProvider(setting, model)
	if err != nil {
		return nil, config.Model{}, err
	}
	return provider, model, nil
}

// oneShot runs a single plain request and returns the full text. Used for
// summaries, titles, and suggestions; never the tool loop.
func (o *Orchestrator) oneShot(ctx context.Context, provider llm.Provider, model config.Model, instructions string) (string, error) {
	req := llm.ComposeRequest(model, llm.Request{
		Model:    model.ID,
		Messages: []llm.Message{llm.UserText(instructions)},
	}, nil, nil)

	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return "", llm.ClassifyError(provider.Name(), err)
	}
	defer stream.Close()

	var text strings.Builder
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", llm.ClassifyError(provider.Name(), err)
		}
		if event.Type == llm.EventTextDelta {
			text.WriteString(event.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// generateTitle names the conversation after its first committed turn.
// Best effort; failures only log.
func (o *Orchestrator) generateTitle(conversationID, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	t, err := o.store.LoadTree(ctx, conversationID)
	if err != nil {
		return
	}
	if t.Conversation.Title != "" {
		return
	}
	provider, model, err := o.providerFor(t.Conversation)
	if err != nil {
		o.logger.Warn("title generation skipped", "conversation", conversationID, "error", err)
		return
	}

	content := "user: " + userText + "\nassistant: " + assistantText
	title, err := o.oneShot(ctx, provider, model, prompt.Title.Render(map[string]string{"content": content}))
	if err != nil || title == "" {
		o.logger.Warn("title generation failed", "conversation", conversationID, "error", err)
		return
	}

	t.Conversation.Title = title
	if err := o.store.SaveTree(ctx, t); err != nil {
		o.logger.Warn("title save failed", "conversation", conversationID, "error", err)
	}
}

// GenerateSuggestions proposes follow-up messages for the conversation and
// caches them on the conversation record.
func (o *Orchestrator) GenerateSuggestions(ctx context.Context, conversationID string) ([]string, error) {
	t, err := o.store.LoadTree(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	provider, model, err := o.providerFor(t.Conversation)
	if err != nil {
		return nil, err
	}

	out, err := o.oneShot(ctx, provider, model, prompt.Suggestions.Render(map[string]string{
		"content": transcript(t),
	}))
	if err != nil {
		return nil, err
	}

	var suggestions []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		suggestions = append(suggestions, line)
		if len(suggestions) == 3 {
			break
		}
	}

	t.Conversation.Suggestions = suggestions
	if err := o.store.SaveTree(ctx, t); err != nil {
		return nil, err
	}
	return suggestions, nil
}

// pathPosition locates nodeIndex on the active path.
func pathPosition(t *tree.Tree, nodeIndex int) (int, error) {
	if nodeIndex < 0 || nodeIndex >= len(t.Nodes) {
		return 0, fmt.Errorf("node %d out of range", nodeIndex)
	}
	for pos, entry := range t.ActivePath() {
		if entry.NodeIndex == nodeIndex {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("node %d is not on the active path", nodeIndex)
}

// contextBefore clones the tree truncated to the path entries before
// position pos. Node indexes are strictly increasing along the path, so
// truncating after the predecessor keeps exactly path[:pos].
func contextBefore(t *tree.Tree, pos int) *tree.Tree {
	clone := t.Clone()
	if pos == 0 {
		_ = clone.TruncateAfter(-1)
		return clone
	}
	path := t.ActivePath()
	_ = clone.TruncateAfter(path[pos-1].NodeIndex)
	return clone
}

// userMessageOf extracts the user message a candidate was generated from.
func userMessageOf(cand tree.Candidate) (llm.Message, bool) {
	for _, msg := range cand.Messages {
		if msg.Role == llm.RoleUser {
			return msg, true
		}
	}
	return llm.Message{}, false
}

func transcript(t *tree.Tree) string {
	var b strings.Builder
	for _, msg := range t.PathMessages() {
		text := llm.CollectText([]llm.Message{msg})
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}
	return b.String()
}
