package pipeline

import (
	"context"

	"lerian-timeline-engine/internal/apperrors"
	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/embeddings"
	"lerian-timeline-engine/internal/llm"
	"lerian-timeline-engine/internal/logging"
	"lerian-timeline-engine/internal/prompt"
	"lerian-timeline-engine/internal/retrieval"
	"lerian-timeline-engine/internal/storage"
	"lerian-timeline-engine/internal/types"
	"lerian-timeline-engine/internal/window"
)

// Pipeline wires the turn flow end to end
type Pipeline struct {
	store     storage.MessageStore
	index     storage.VectorIndex
	embedder  embeddings.Embedder
	completer llm.Completer
	windows   *window.Manager
	retriever *retrieval.Retriever
	merger    *retrieval.Merger
	builder   *prompt.Builder
	indexer   *Indexer
	logger    logging.Logger
}

// New assembles a pipeline from its components. Call Start before serving
// and Stop on shutdown.
func New(store storage.MessageStore, index storage.VectorIndex, embedder embeddings.Embedder,
	completer llm.Completer, windows *window.Manager, retriever *retrieval.Retriever,
	merger *retrieval.Merger, builder *prompt.Builder, indexer *Indexer) *Pipeline {
	return &Pipeline{
		store:     store,
		index:     index,
		embedder:  embedder,
		completer: completer,
		windows:   windows,
		retriever: retriever,
		merger:    merger,
		builder:   builder,
		indexer:   indexer,
		logger:    logging.WithComponent("pipeline"),
	}
}

// Start launches the background workers
func (p *Pipeline) Start() {
	p.windows.Start()
	p.indexer.Start()
}

// Stop drains background work and halts the workers
func (p *Pipeline) Stop() {
	p.indexer.Stop()
	p.windows.Stop()
}

// TurnResult is the outcome of a handled user turn
type TurnResult struct {
	UserMessage      *types.Message `json:"user_message"`
	AssistantMessage *types.Message `json:"assistant_message"`
	Prompt           *prompt.Result `json:"prompt,omitempty"`
	RetrievedGroups  int            `json:"retrieved_groups"`
}

// HandleUserTurn runs the full synchronous turn flow and schedules
// background indexing of both new messages. Retrieval degradation
// (embedding outage) never fails the turn; prompt overflow and LLM
// failure do, leaving the already-persisted user message in place.
func (p *Pipeline) HandleUserTurn(ctx context.Context, sessionID, text string, includePrompt bool) (*TurnResult, error) {
	parentID, err := p.chronoTail(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg, err := types.NewMessage(sessionID, types.RoleUser, text, parentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBadInput, "invalid user turn", err)
	}
	if err := p.store.Put(ctx, userMsg); err != nil {
		return nil, err
	}

	windowCtx := p.windows.Context(sessionID)

	var merged []types.ContextGroup
	groups, err := p.retriever.Retrieve(ctx, text, sessionID, userMsg.ID, p.retriever.Defaults())
	switch {
	case err == nil:
		merged = p.merger.Merge(groups)
	case apperrors.IsKind(err, apperrors.KindEmbeddingUnavailable):
		// Degrade to an uncontextualized turn rather than failing it.
		p.logger.WarnContext(ctx, "retrieval degraded, continuing without context",
			"session_id", sessionID, "error", err.Error())
	default:
		return nil, err
	}

	built, err := p.builder.Build(windowCtx.Summary, windowCtx.RecentMessages, merged, text)
	if err != nil {
		return nil, err
	}

	reply, err := p.completer.Complete(ctx, p.builder.System(), built.Prompt)
	if err != nil {
		return nil, err
	}

	assistantMsg, err := types.NewMessage(sessionID, types.RoleAssistant, reply, userMsg.ID)
	if err != nil {
		return nil, apperrors.Internal("invalid assistant reply", err)
	}
	if err := p.store.Put(ctx, assistantMsg); err != nil {
		return nil, err
	}

	if err := p.windows.Append(ctx, userMsg); err != nil {
		return nil, err
	}
	if err := p.windows.Append(ctx, assistantMsg); err != nil {
		return nil, err
	}

	p.scheduleIndexing(ctx, userMsg)
	p.scheduleIndexing(ctx, assistantMsg)

	result := &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		RetrievedGroups:  len(merged),
	}
	if includePrompt {
		result.Prompt = built
	}
	return result, nil
}

// SimpleChat bypasses the window and retriever: a direct LLM round trip
// for diagnostics. Nothing is persisted.
func (p *Pipeline) SimpleChat(ctx context.Context, sessionID, text string) (string, error) {
	built, err := p.builder.Build("", nil, nil, text)
	if err != nil {
		return "", err
	}
	reply, err := p.completer.Complete(ctx, p.builder.System(), built.Prompt)
	if err != nil {
		return "", err
	}
	p.logger.DebugContext(ctx, "simple chat completed", "session_id", sessionID)
	return reply, nil
}

// ReprocessSession re-indexes every message of a session synchronously.
// Chunker determinism makes this idempotent: the resulting ordinal set
// matches the original indexing.
func (p *Pipeline) ReprocessSession(ctx context.Context, sessionID string) (int, error) {
	messages, err := p.store.ListBySessionChrono(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for i := range messages {
		if err := p.indexer.IndexMessage(ctx, &messages[i]); err != nil {
			return i, err
		}
	}
	return len(messages), nil
}

// ProcessAll re-indexes every stored message across all sessions
func (p *Pipeline) ProcessAll(ctx context.Context) (int, error) {
	messages, err := p.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	for i := range messages {
		if err := p.indexer.IndexMessage(ctx, &messages[i]); err != nil {
			return i, err
		}
	}
	return len(messages), nil
}

// SearchSimilar embeds the query and returns the session's top matches
func (p *Pipeline) SearchSimilar(ctx context.Context, sessionID, query string, limit int) ([]types.ScoredChunk, error) {
	return p.search(ctx, sessionID, query, limit, 0)
}

// SearchGlobal embeds the query and returns top matches across sessions
func (p *Pipeline) SearchGlobal(ctx context.Context, query string, limit int) ([]types.ScoredChunk, error) {
	return p.search(ctx, "", query, limit, 0)
}

// SearchThreshold returns all session matches scoring at or above the
// threshold
func (p *Pipeline) SearchThreshold(ctx context.Context, sessionID, query string, threshold float64) ([]types.ScoredChunk, error) {
	return p.search(ctx, sessionID, query, 0, threshold)
}

func (p *Pipeline) search(ctx context.Context, sessionID, query string, limit int, threshold float64) ([]types.ScoredChunk, error) {
	queryVector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	defaults := p.retriever.Defaults()
	return p.index.Search(ctx, storage.SearchOptions{
		SessionID:     sessionID,
		QueryVector:   queryVector,
		QueryText:     query,
		Limit:         limit,
		Threshold:     threshold,
		CosineWeight:  defaults.CosineWeight,
		LexicalWeight: defaults.LexicalWeight,
	})
}

// DeleteSession removes a session's messages, chunks, and window state
func (p *Pipeline) DeleteSession(ctx context.Context, sessionID string) error {
	if err := p.store.DeleteBySession(ctx, sessionID); err != nil {
		return err
	}
	if err := p.index.DeleteBySession(ctx, sessionID); err != nil {
		return err
	}
	p.windows.Clear(sessionID)
	return nil
}

// Window exposes the window manager to the HTTP layer
func (p *Pipeline) Window() *window.Manager {
	return p.windows
}

// RetrievalDefaults exposes the retriever's configuration to the HTTP layer
func (p *Pipeline) RetrievalDefaults() config.ContextConfig {
	return p.retriever.Defaults()
}

// chronoTail returns the id of the session's most recent message, or ""
// for an empty session
func (p *Pipeline) chronoTail(ctx context.Context, sessionID string) (string, error) {
	messages, err := p.store.ListBySessionChrono(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}
	return messages[len(messages)-1].ID, nil
}

func (p *Pipeline) scheduleIndexing(ctx context.Context, msg *types.Message) {
	if !p.indexer.Submit(msg) {
		p.logger.WarnContext(ctx, "index queue full, dropping job",
			"message_id", msg.ID, "session_id", msg.SessionID)
	}
}
