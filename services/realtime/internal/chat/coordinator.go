package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"codecollab/pkg/ai"
	"codecollab/pkg/domain"
	"codecollab/pkg/store"
	"codecollab/services/realtime/internal/metrics"
	"codecollab/services/realtime/internal/rooms"
)

const (
	defaultGenerationTimeout = 60 * time.Second
	defaultMaxGenerations    = 8
	defaultStoreTimeout      = 5 * time.Second
)

// Rooms is the part of the room registry the coordinator drives.
type Rooms interface {
	Join(m rooms.Member, projectID string)
	Broadcast(projectID string, frame []byte, excludeID string) int
}

type Config struct {
	Store     store.ChatStore
	Rooms     Rooms
	Generator ai.Generator // nil disables AI replies

	GenerationTimeout        time.Duration
	MaxConcurrentGenerations int
	StoreTimeout             time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Outcome reports what happened to an inbound message.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeDuplicate
	OutcomeBroadcast
)

// Coordinator runs the inbound message state machine: dedup, persist,
// broadcast, and the asynchronous AI turn.
type Coordinator struct {
	store     store.ChatStore
	rooms     Rooms
	gen       ai.Generator
	genSlots  *semaphore.Weighted
	timeout   time.Duration
	storeWait time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	lanes *laneSet

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat store required")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("room registry required")
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.MaxConcurrentGenerations <= 0 {
		cfg.MaxConcurrentGenerations = defaultMaxGenerations
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return ulid.Make().String() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     cfg.Store,
		rooms:     cfg.Rooms,
		gen:       cfg.Generator,
		genSlots:  semaphore.NewWeighted(int64(cfg.MaxConcurrentGenerations)),
		timeout:   cfg.GenerationTimeout,
		storeWait: cfg.StoreTimeout,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
		lanes:     newLaneSet(),
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// HandleMessage dedups, persists and broadcasts msg, then starts an AI turn
// when the body carries the trigger. Storage failures are reported to
// sender only and the message is not broadcast.
func (c *Coordinator) HandleMessage(ctx context.Context, sender rooms.Member, msg Inbound) (Outcome, error) {
	log := c.logger.With("project_id", msg.ProjectID, "message_id", msg.ID, "user_id", msg.Author.UserID)

	entry := domain.ChatEntry{
		ID:        msg.ID,
		ProjectID: msg.ProjectID,
		Body:      msg.Body,
		Author:    domain.UserAuthor(msg.Author),
	}
	if err := entry.Author.Validate(); err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	outcome, err := c.persistAndBroadcast(ctx, entry, log)
	if err != nil {
		c.sendError(sender, "message could not be saved, please retry", msg.ID)
		return OutcomeRejected, err
	}
	if outcome != OutcomeBroadcast {
		return outcome, nil
	}

	if prompt, ok := ExtractPrompt(msg.Body); ok && c.gen != nil {
		c.startGeneration(msg.ProjectID, msg.ID, prompt)
	}
	return OutcomeBroadcast, nil
}

// persistAndBroadcast performs the exists check, the append and the room
// broadcast inside the project lane, so the three steps are atomic with
// respect to any other writer or joiner of the same project.
func (c *Coordinator) persistAndBroadcast(ctx context.Context, entry domain.ChatEntry, log *slog.Logger) (Outcome, error) {
	l := c.lanes.acquire(entry.ProjectID)
	defer c.lanes.release(entry.ProjectID, l)

	sctx, cancel := context.WithTimeout(ctx, c.storeWait)
	defer cancel()

	if entry.Author.Kind == domain.AuthorUser {
		exists, err := c.store.EntryExists(sctx, entry.ID)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("exists").Inc()
			log.Error("chat_exists_check_failed", "err", err)
			return OutcomeRejected, err
		}
		if exists {
			metrics.Duplicates.Inc()
			log.Debug("chat_message_duplicate")
			return OutcomeDuplicate, nil
		}
	}

	entry.CreatedAt = l.stamp(c.now())
	stored, created, err := c.store.AppendEntry(sctx, entry)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		log.Error("chat_append_failed", "author", entry.Author.Kind, "err", err)
		return OutcomeRejected, err
	}
	if !created {
		metrics.Duplicates.Inc()
		log.Debug("chat_message_duplicate", "raced", true)
		return OutcomeDuplicate, nil
	}
	metrics.MessagesPersisted.WithLabelValues(string(stored.Author.Kind)).Inc()

	frame, err := EncodeEvent(EventProjectMessage, stored)
	if err != nil {
		log.Error("chat_encode_failed", "err", err)
		return OutcomeRejected, err
	}
	n := c.rooms.Broadcast(stored.ProjectID, frame, "")
	log.Info("chat_message_persisted", "author", stored.Author.Kind, "recipients", n)
	return OutcomeBroadcast, nil
}

func (c *Coordinator) startGeneration(projectID, triggerID, prompt string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.runGeneration(projectID, triggerID, prompt)
	}()
}

// runGeneration is the second phase of an AI turn. Every exit path
// persists and broadcasts either the reply or a system-error entry.
func (c *Coordinator) runGeneration(projectID, triggerID, prompt string) {
	log := c.logger.With("project_id", projectID, "trigger_id", triggerID)
	ctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
	defer cancel()

	start := time.Now()
	reply, err := c.generate(ctx, prompt)
	metrics.AIGenerationDuration.Observe(time.Since(start).Seconds())

	entry := domain.ChatEntry{ID: c.newID(), ProjectID: projectID}
	switch {
	case err == nil:
		metrics.AIGenerations.WithLabelValues("success").Inc()
		entry.Author = domain.AIAuthor()
		entry.Body = reply
	default:
		ge := ai.AsGenerationError(err)
		outcome := "failure"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ge = &ai.GenerationError{Reason: ai.ReasonTimeout, Err: err}
			outcome = "timeout"
		}
		metrics.AIGenerations.WithLabelValues(outcome).Inc()
		log.Warn("ai_generation_failed", "outcome", outcome, "err", ge)
		entry.Author = domain.SystemErrorAuthor()
		entry.Body = "AI reply failed: " + ge.Reason
	}

	// The generation context may already be expired; persisting the outcome
	// gets its own deadline.
	if _, err := c.persistAndBroadcast(context.Background(), entry, log.With("message_id", entry.ID)); err != nil {
		log.Error("ai_entry_persist_failed", "author", entry.Author.Kind, "err", err)
	}
}

func (c *Coordinator) generate(ctx context.Context, prompt string) (reply string, err error) {
	if err := c.genSlots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.genSlots.Release(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	reply, err = c.gen.GenerateReply(ctx, prompt)
	if err == nil && reply == "" {
		err = &ai.GenerationError{Reason: ai.ReasonEmpty}
	}
	return reply, err
}

// Join subscribes m to projectID and queues the project's history as its
// first frame. The snapshot, the history enqueue and the subscription share
// the project lane, so m sees every stored entry exactly once: either in
// the history or as a later live broadcast. History is queued before m is
// added to the room, so presence frames cannot overtake it.
func (c *Coordinator) Join(ctx context.Context, m rooms.Member, projectID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	l := c.lanes.acquire(projectID)
	defer c.lanes.release(projectID, l)

	sctx, cancel := context.WithTimeout(ctx, c.storeWait)
	defer cancel()
	history, err := c.store.ListEntriesByProject(sctx, projectID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		c.logger.Error("chat_history_load_failed", "project_id", projectID, "err", err)
		c.sendError(m, "chat history could not be loaded, please rejoin", "")
		return err
	}
	if history == nil {
		history = []domain.ChatEntry{}
	}
	frame, err := EncodeEvent(EventChatHistory, history)
	if err != nil {
		return err
	}

	if !m.Enqueue(frame) {
		return ErrSendQueueFull
	}
	c.rooms.Join(m, projectID)
	c.logger.Debug("chat_history_sent", "project_id", projectID, "member_id", m.ID(), "entries", len(history))
	return nil
}

func (c *Coordinator) sendError(m rooms.Member, message, id string) {
	if m == nil {
		return
	}
	frame, err := EncodeEvent(EventError, ErrorPayload{Message: message, ID: id})
	if err != nil {
		return
	}
	m.Enqueue(frame)
}

// Close stops accepting AI turns and waits for in-flight ones until ctx is
// done, after which they are cancelled and still record a system-error
// entry.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
