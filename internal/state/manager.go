package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nugget/huddle/internal/cache"
	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/memoryclient"
	"github.com/nugget/huddle/internal/supervisor"
)

// Plan tiers for context retrieval.
const (
	PlanLite = "lite"
	PlanPro  = "pro"
)

// Store is the durable Memory service backing conversation state.
type Store interface {
	FetchState(ctx context.Context, conversationID string) (json.RawMessage, error)
	SaveState(ctx context.Context, conversationID string, state any) error
	AppendTurn(ctx context.Context, t memoryclient.Turn) error
	SemanticContext(ctx context.Context, req memoryclient.SemanticRequest) ([]memoryclient.ContextEntry, error)
}

// Submitter accepts background jobs.
type Submitter interface {
	Submit(job supervisor.Job) error
}

// PersistenceError reports a failed load or save. It is informational:
// conversation handling continues without the remote store.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config configures a Manager.
type Config struct {
	Store      Store
	Cache      *cache.Manager
	Background Submitter
	Events     *events.Bus
	Logger     *slog.Logger

	ContextWindow   int           // default 16
	ContextTTL      time.Duration // default 300s
	StateTTL        time.Duration // default 24h
	SaveInterval    time.Duration // default 5s
	MaxNameLength   int           // default 100
	RetryNameLength int           // default 50
}

type saveMark struct {
	at  time.Time
	rev int64
}

// Manager loads, caches, and persists conversations.
type Manager struct {
	store      Store
	cache      *cache.Manager
	background Submitter
	events     *events.Bus
	logger     *slog.Logger

	window       int
	contextTTL   time.Duration
	stateTTL     time.Duration
	saveInterval time.Duration
	maxName      int
	retryName    int

	turns *keyedMutex
	saves *keyedMutex

	mu    sync.Mutex
	marks map[string]saveMark

	now func() time.Time
}

// NewManager creates a Manager, filling defaults.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.Config{Logger: cfg.Logger})
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 16
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = 300 * time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 5 * time.Second
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = 100
	}
	if cfg.RetryNameLength <= 0 {
		cfg.RetryNameLength = 50
	}
	return &Manager{
		store:        cfg.Store,
		cache:        cfg.Cache,
		background:   cfg.Background,
		events:       cfg.Events,
		logger:       cfg.Logger.With("component", "state"),
		window:       cfg.ContextWindow,
		contextTTL:   cfg.ContextTTL,
		stateTTL:     cfg.StateTTL,
		saveInterval: cfg.SaveInterval,
		maxName:      cfg.MaxNameLength,
		retryName:    cfg.RetryNameLength,
		turns:        newKeyedMutex(),
		saves:        newKeyedMutex(),
		marks:        make(map[string]saveMark),
		now:          time.Now,
	}
}

// Window returns the rolling context window size.
func (m *Manager) Window() int { return m.window }

// Lock serializes work on one conversation. The orchestrator holds it for
// a whole turn; background jobs that mutate state take it too.
func (m *Manager) Lock(conversationID string) (unlock func()) {
	return m.turns.Lock(conversationID)
}

func stateKey(id string) string { return cache.Key("state", id) }

// GetOrCreate returns the conversation from the cache, else from the
// Memory service, else a fresh one marked new. Load failures are logged
// and never returned.
func (m *Manager) GetOrCreate(ctx context.Context, conversationID, individualID string) *Conversation {
	log := m.logger.With("conversation_id", conversationID)

	if raw, err := m.cache.Get(ctx, stateKey(conversationID)); err == nil {
		c, err := Decode(raw)
		if err == nil {
			log.Debug("state loaded from cache", "revision", c.Revision)
			return c
		}
		log.Warn("dropping undecodable cached state", "error", err)
		m.cache.Invalidate(stateKey(conversationID))
	}

	if m.store != nil {
		raw, err := m.store.FetchState(ctx, conversationID)
		switch {
		case err == nil:
			c, derr := Decode(raw)
			if derr == nil {
				if c.ConversationID == "" {
					c.ConversationID = conversationID
				}
				log.Debug("state loaded from memory service", "tasks", len(c.TaskStack))
				m.cacheState(ctx, c)
				return c
			}
			log.Warn("memory service returned undecodable state, starting fresh", "error", derr)
		case errors.Is(err, memoryclient.ErrNotFound):
			log.Debug("no stored state, starting fresh")
		default:
			log.Warn("state load failed, starting fresh",
				"error", &PersistenceError{Op: "load", ConversationID: conversationID, Err: err})
		}
	}

	return NewConversation(conversationID, individualID)
}

// Put bumps the conversation's revision and writes it to the cache.
func (m *Manager) Put(ctx context.Context, c *Conversation) {
	c.Revision++
	m.cacheState(ctx, c)
}

func (m *Manager) cacheState(ctx context.Context, c *Conversation) {
	if err := m.cache.SetJSON(ctx, stateKey(c.ConversationID), c, m.stateTTL); err != nil {
		m.logger.Warn("state cache write failed", "conversation_id", c.ConversationID, "error", err)
	}
}

// Context returns the conversation history for plan. "lite" (and any
// unknown plan) is the recent window; "pro" is a semantic search over
// the full history that falls back to the recent window on failure.
// Results are cached per conversation, plan, and query text.
func (m *Manager) Context(ctx context.Context, c *Conversation, plan, text string) []ContextEntry {
	if plan != PlanPro {
		plan = PlanLite
	}
	key := cache.Key("context", c.ConversationID, plan, cache.TextHash(text))

	var cached []ContextEntry
	if err := m.cache.GetJSON(ctx, key, &cached); err == nil {
		return cached
	}

	out, ok := c.RecentContext(m.window), true
	if plan == PlanPro {
		out, ok = m.semanticContext(ctx, c, text)
	}
	if ok {
		if err := m.cache.SetJSON(ctx, key, out, m.contextTTL); err != nil {
			m.logger.Debug("context cache write failed", "error", err)
		}
	}
	return out
}

// semanticContext queries the Memory service; ok is false when it fell
// back to the recent window.
func (m *Manager) semanticContext(ctx context.Context, c *Conversation, text string) ([]ContextEntry, bool) {
	if m.store == nil {
		return c.RecentContext(m.window), false
	}
	entries, err := m.store.SemanticContext(ctx, memoryclient.SemanticRequest{
		ConversationID: c.ConversationID,
		IndividualID:   c.IndividualID,
		Text:           text,
		Limit:          m.window,
	})
	if err != nil {
		m.logger.Warn("semantic context failed, using recent window",
			"conversation_id", c.ConversationID,
			"error", err,
		)
		return c.RecentContext(m.window), false
	}
	out := make([]ContextEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ContextEntry{Query: e.Query, Response: e.Response, Plan: PlanPro, Timestamp: e.Timestamp})
	}
	return out, true
}

// UpdateContext appends the exchange to both histories and schedules the
// remote history append in the background. It never waits on the
// Memory service.
func (m *Manager) UpdateContext(ctx context.Context, c *Conversation, query, response, plan string) {
	entry := ContextEntry{Query: query, Response: response, Plan: plan, Timestamp: m.now()}
	c.AppendContext(entry, m.window)

	if m.store == nil || m.background == nil {
		return
	}
	turn := memoryclient.Turn{
		ConversationID: c.ConversationID,
		IndividualID:   c.IndividualID,
		Query:          query,
		Response:       response,
		Plan:           plan,
		Timestamp:      entry.Timestamp,
	}
	err := m.background.Submit(supervisor.Job{
		Name: "update_context",
		Key:  c.ConversationID,
		Run: func(ctx context.Context) error {
			return m.store.AppendTurn(ctx, turn)
		},
	})
	if err != nil {
		m.logger.Warn("could not schedule context update", "conversation_id", c.ConversationID, "error", err)
	}
}

// Save writes the conversation to the Memory service. Without force it
// is skipped when nothing is dirty or when the last save was less than
// the save interval ago. A save older than one already written is
// dropped. Over-long names are truncated, and a 422 rejection is retried
// once with aggressive truncation. The returned *PersistenceError is
// informational.
func (m *Manager) Save(ctx context.Context, c *Conversation, force bool) error {
	if m.store == nil {
		return nil
	}
	if !force && !c.IsDirty() {
		return nil
	}
	id := c.ConversationID
	log := m.logger.With("conversation_id", id)

	unlock := m.saves.Lock(id)
	defer unlock()

	m.mu.Lock()
	mark := m.marks[id]
	m.mu.Unlock()

	if !force && !mark.at.IsZero() && m.now().Sub(mark.at) < m.saveInterval {
		log.Debug("save rate-limited", "since_last", m.now().Sub(mark.at).String())
		return nil
	}
	if c.Revision < mark.rev {
		log.Debug("skipping save of stale revision", "revision", c.Revision, "saved_revision", mark.rev)
		return nil
	}

	doc, err := snapshot(c)
	if err != nil {
		return m.saveFailed(c, err)
	}
	sanitizeNames(doc, m.maxName)

	err = m.store.SaveState(ctx, id, doc)
	if err != nil && caller.UpstreamStatus(err) == http.StatusUnprocessableEntity {
		log.Info("state rejected by validation, retrying with truncated names",
			"max_length", m.retryName,
			"error", err,
		)
		sanitizeNames(doc, m.retryName)
		err = m.store.SaveState(ctx, id, doc)
	}
	if err != nil {
		return m.saveFailed(c, err)
	}

	m.mu.Lock()
	m.marks[id] = saveMark{at: m.now(), rev: c.Revision}
	m.pruneMarksLocked()
	m.mu.Unlock()

	c.clearDirty()
	log.Debug("state saved", "revision", c.Revision, "forced", force)
	return nil
}

// PersistAsync snapshots c and schedules a save of the snapshot on the
// background supervisor. Without force the save goes through the same
// dirty gate and save interval as Save; force is for explicit flushes.
// The caller must hold the conversation's lock; the job never touches
// live state.
func (m *Manager) PersistAsync(c *Conversation, force bool) error {
	if m.store == nil || m.background == nil {
		return nil
	}
	if !force && !c.IsDirty() {
		return nil
	}
	doc, err := snapshot(c)
	if err != nil {
		return m.saveFailed(c, err)
	}
	return m.background.Submit(supervisor.Job{
		Name: "persist_state",
		Key:  c.ConversationID,
		Run: func(ctx context.Context) error {
			return m.Save(ctx, doc, force)
		},
	})
}

func (m *Manager) saveFailed(c *Conversation, err error) error {
	perr := &PersistenceError{Op: "save", ConversationID: c.ConversationID, Err: err}
	m.logger.Warn("state save failed", "conversation_id", c.ConversationID, "error", err)
	m.events.Emit(events.SourceState, events.KindSaveFailed, map[string]any{
		"conversation_id": c.ConversationID,
		"error":           err.Error(),
	})
	return perr
}

// pruneMarksLocked drops save marks older than an hour once the map
// grows large.
func (m *Manager) pruneMarksLocked() {
	if len(m.marks) < 4096 {
		return
	}
	cutoff := m.now().Add(-time.Hour)
	for id, mk := range m.marks {
		if mk.at.Before(cutoff) {
			delete(m.marks, id)
		}
	}
}

// snapshot deep-copies c so the save document can be sanitized without
// touching live state. The dirty set travels with the copy so the save
// gate sees it.
func snapshot(c *Conversation) (*Conversation, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	var doc Conversation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("copy state: %w", err)
	}
	doc.dirty = maps.Clone(c.dirty)
	doc.isNew = c.isNew
	return &doc, nil
}

func sanitizeNames(doc *Conversation, limit int) {
	for _, t := range doc.TaskStack {
		t.Label = truncateRunes(t.Label, limit)
		for _, cp := range t.Checklist {
			cp.Name = truncateRunes(cp.Name, limit)
			cp.Label = truncateRunes(cp.Label, limit)
		}
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
