package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/mia-core/internal/config"
	"github.com/loqalabs/mia-core/internal/llm"
	"github.com/loqalabs/mia-core/internal/memory"
	"github.com/loqalabs/mia-core/internal/presence"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/loqalabs/mia-core/internal/rendezvous"
	"github.com/loqalabs/mia-core/internal/sequencer"
	"github.com/loqalabs/mia-core/internal/stt"
	"github.com/loqalabs/mia-core/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Deps are the collaborators a turn calls out to. Memory may be nil, which
// disables retrieval and ingestion.
type Deps struct {
	Transcriber stt.Transcriber
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Memory      memory.Store
	Sender      Sender
	Registry    *rendezvous.Registry
	Presence    presence.Notifier
	History     *History
	Meter       metric.Meter
}

type Options struct {
	SystemPrompt       string
	ProactivePrompt    string
	Voice              string
	ChunkSize          int
	SynthWorkers       int
	WorkerPoolSize     int
	MinTranscriptChars int
	InputSampleRate    int
	PlaybackTimeout    time.Duration
	// Request carries model defaults copied into every generation request.
	Request llm.Request
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SystemPrompt:       cfg.Prompt.System,
		ProactivePrompt:    cfg.Prompt.Proactive,
		Voice:              cfg.TTS.Voice,
		ChunkSize:          cfg.Turns.ChunkSize,
		SynthWorkers:       cfg.Turns.SynthWorkers,
		WorkerPoolSize:     cfg.Turns.WorkerPoolSize,
		MinTranscriptChars: cfg.Turns.MinTranscriptChars,
		InputSampleRate:    cfg.STT.SampleRate,
		PlaybackTimeout:    time.Duration(cfg.Turns.PlaybackTimeoutMS) * time.Millisecond,
		Request:            llm.RequestFromConfig(cfg.LLM),
	}
}

type handle struct {
	turn   *Turn
	cancel context.CancelFunc
	done   chan struct{}

	// interrupted is set under Orchestrator.mu by the first Interrupt.
	interrupted bool
}

// session is the per-client state kept between turns.
type session struct {
	seq     *sequencer.Sequencer
	partial string
}

// Orchestrator admits at most one turn per client and lets a running turn be
// interrupted.
type Orchestrator struct {
	deps    Deps
	opts    Options
	pool    *WorkerPool
	inst    *instruments
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clock   func() time.Time
	mu      sync.Mutex
	active  map[string]*handle
	clients map[string]*session
	closed  bool
}

func NewOrchestrator(parent context.Context, deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Generator == nil || deps.Synthesizer == nil || deps.Sender == nil || deps.Registry == nil {
		return nil, errors.New("turn orchestrator requires a generator, synthesizer, sender and registry")
	}
	if deps.Presence == nil {
		deps.Presence = presence.Nop{}
	}
	if deps.History == nil {
		deps.History = NewHistory(20, 12)
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter(scopeName)
	}
	if opts.SynthWorkers <= 0 {
		opts.SynthWorkers = 3
	}

	logger = logger.With(slog.String("component", "turns"))
	inst, err := newInstruments(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("create turn instruments: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		pool:    NewWorkerPool(opts.WorkerPoolSize),
		inst:    inst,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		clock:   time.Now,
		active:  make(map[string]*handle),
		clients: make(map[string]*session),
	}
	if err := registerGauges(deps.Meter, o.ActiveTurns, deps.Registry.ActiveWaiters); err != nil {
		logger.Warn("failed to register turn gauges", slogError(err))
	}
	return o, nil
}

// Submit starts a turn for clientID. It returns ErrBusy while a previous turn
// is still running; nothing is queued.
func (o *Orchestrator) Submit(clientID string, trig Trigger) error {
	if err := trig.validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if _, busy := o.active[clientID]; busy {
		o.mu.Unlock()
		o.inst.rejected.Add(o.ctx, 1)
		o.logger.Info("turn rejected, client busy", slog.String("client_id", clientID), slog.String("trigger", string(trig.Kind)))
		return ErrBusy
	}
	sess := o.sessionLocked(clientID)
	// A partial left by an interrupt that gave up waiting belongs to the
	// previous turn.
	sess.partial = ""
	ctx, cancel := context.WithCancel(o.ctx)
	t := &Turn{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Trigger:   trig,
		Metadata:  trig.metadata(),
		Status:    StatusRunning,
		StartedAt: o.clock(),
	}
	h := &handle{turn: t, cancel: cancel, done: make(chan struct{})}
	o.active[clientID] = h
	o.wg.Add(1)
	o.mu.Unlock()

	o.inst.started.Add(ctx, 1)
	go o.run(ctx, sess, h)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sess *session, h *handle) {
	defer o.wg.Done()

	var err error
	defer func() {
		o.complete(ctx, h, err)
		close(h.done)
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("turn panicked: %v", recovered)
		}
	}()

	p := newPipeline(o, sess, h.turn)
	err = p.run(ctx)
}

// complete is the single completion hook of a turn. It releases the guard
// slot before anyone waiting on the handle is woken.
func (o *Orchestrator) complete(ctx context.Context, h *handle, err error) {
	t := h.turn
	switch {
	case err != nil && ctx.Err() != nil:
		t.Status = StatusCancelled
	case err != nil:
		t.Status = StatusFailed
		t.Err = err
	default:
		t.Status = StatusCompleted
	}
	t.EndedAt = o.clock()
	h.cancel()

	o.mu.Lock()
	if o.active[t.ClientID] == h {
		delete(o.active, t.ClientID)
	}
	o.mu.Unlock()

	attrs := []any{
		slog.String("client_id", t.ClientID),
		slog.String("turn_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.Duration("elapsed", t.EndedAt.Sub(t.StartedAt)),
	}
	if t.Status == StatusFailed {
		o.logger.Error("turn failed", append(attrs, slogError(err))...)
	} else {
		o.logger.Info("turn finished", attrs...)
	}
	o.inst.turnFinished(context.Background(), t)
}

// IsBusy reports whether clientID has a running turn.
func (o *Orchestrator) IsBusy(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[clientID]
	return ok
}

// ActiveTurns counts running turns across clients.
func (o *Orchestrator) ActiveTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Interrupt cancels the running turn of clientID, keeps whatever reply text
// was already generated in the history and tells the client. It is a no-op
// when the client is idle or the turn is already being interrupted.
func (o *Orchestrator) Interrupt(ctx context.Context, clientID string) error {
	o.mu.Lock()
	h := o.active[clientID]
	if h == nil || h.interrupted {
		o.mu.Unlock()
		return nil
	}
	h.interrupted = true
	o.mu.Unlock()

	log := o.logger.With(slog.String("client_id", clientID), slog.String("turn_id", h.turn.ID))
	log.Info("interrupting turn")

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if partial := o.takePartial(clientID); partial != "" {
		o.deps.History.Append(
			llm.Message{Role: llm.RoleAssistant, Content: partial},
			llm.Message{Role: llm.RoleSystem, Content: protocol.InterruptedMarkerText},
		)
		log.Debug("salvaged partial reply", slog.Int("chars", len(partial)))
	}

	for _, msg := range []protocol.Message{protocol.InterruptSignal(), protocol.Control(protocol.ActionChainEnd)} {
		if err := o.deps.Sender.Send(ctx, clientID, msg); err != nil {
			log.Debug("failed to notify interrupt", slog.String("type", msg.Type), slogError(err))
		}
	}
	o.deps.Presence.Notify(ctx, presence.StatusEvent(clientID, presence.StatusListening))
	return nil
}

// Abort cancels the running turn of a client that went away and forgets its
// state. Nothing is salvaged and nothing is sent.
func (o *Orchestrator) Abort(clientID string) {
	if h := o.handle(clientID); h != nil {
		h.cancel()
		<-h.done
	}
	o.mu.Lock()
	delete(o.clients, clientID)
	o.mu.Unlock()
}

// Shutdown cancels every running turn and waits for them to unwind.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for clientID, h := range o.active {
		h.cancel()
		o.logger.Info("turn cancelled for shutdown", slog.String("client_id", clientID))
	}
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(clientID string) *handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[clientID]
}

func (o *Orchestrator) sessionLocked(clientID string) *session {
	sess := o.clients[clientID]
	if sess != nil {
		return sess
	}
	sink := &clientSink{clientID: clientID, sender: o.deps.Sender, log: o.logger}
	sess = &session{
		seq: sequencer.New(o.deps.Synthesizer, sink,
			sequencer.WithWorkers(o.opts.SynthWorkers),
			sequencer.WithVoice(o.opts.Voice),
			sequencer.WithSessionID(clientID),
			sequencer.WithLogger(o.logger.With(slog.String("client_id", clientID))),
			sequencer.WithFailureHook(func(int, error) {
				o.inst.synthFailures.Add(context.Background(), 1)
			}),
		),
	}
	o.clients[clientID] = sess
	return sess
}

func (o *Orchestrator) savePartial(sess *session, text string) {
	o.mu.Lock()
	sess.partial = text
	o.mu.Unlock()
}

func (o *Orchestrator) takePartial(clientID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.clients[clientID]
	if sess == nil {
		return ""
	}
	partial := sess.partial
	sess.partial = ""
	return partial
}
