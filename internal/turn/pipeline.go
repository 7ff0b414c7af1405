package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/mia-core/internal/llm"
	"github.com/loqalabs/mia-core/internal/presence"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/loqalabs/mia-core/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of the turn pipeline. Steps only move forward.
type State string

const (
	StateAnnounce            State = "announce"
	StateResolveInput        State = "resolve_input"
	StateRetrieve            State = "retrieve"
	StateGenerateAndDispatch State = "generate_and_dispatch"
	StateAwaitSynthesis      State = "await_synthesis"
	StateFinalize            State = "finalize"
	StatePersist             State = "persist"
	StateCleanup             State = "cleanup"
)

// errSilence ends a turn early when captured audio held no usable speech.
var errSilence = errors.New("transcript too short")

// replyBuffer accumulates generated text. The generator may still be writing
// after the turn was cancelled, so access is locked.
type replyBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (r *replyBuffer) add(s string) {
	r.mu.Lock()
	r.b.WriteString(s)
	r.mu.Unlock()
}

func (r *replyBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.String()
}

type pipeline struct {
	o     *Orchestrator
	sess  *session
	turn  *Turn
	log   *slog.Logger
	state State

	userText  string
	context   string
	reply     replyBuffer
	persisted bool
}

func newPipeline(o *Orchestrator, sess *session, t *Turn) *pipeline {
	return &pipeline{
		o:    o,
		sess: sess,
		turn: t,
		log: o.logger.With(
			slog.String("client_id", t.ClientID),
			slog.String("turn_id", t.ID),
		),
	}
}

func (p *pipeline) run(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("turn.id", p.turn.ID),
		attribute.String("turn.client_id", p.turn.ClientID),
		attribute.String("turn.trigger", string(p.turn.Trigger.Kind)),
	))
	defer span.End()

	defer func() {
		stoppedIn := p.state
		p.enter(StateCleanup)
		p.sess.seq.Reset()

		if ctx.Err() != nil {
			if partial := p.reply.String(); partial != "" && !p.persisted {
				p.o.savePartial(p.sess, partial)
			}
			if err == nil {
				err = ctx.Err()
			}
			span.SetAttributes(
				attribute.Bool("turn.cancelled", true),
				attribute.String("turn.stopped_in", string(stoppedIn)),
			)
			return
		}
		if errors.Is(err, errSilence) {
			err = nil
			return
		}
		if err != nil {
			span.RecordError(err, trace.WithAttributes(attribute.String("turn.stopped_in", string(stoppedIn))))
			span.SetStatus(codes.Error, err.Error())
			p.send(ctx, protocol.Error(err.Error()))
			p.o.deps.Presence.Notify(ctx, presence.StatusEvent(p.turn.ClientID, presence.StatusListening))
		}
	}()

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateAnnounce, p.announce},
		{StateResolveInput, p.resolveInput},
		{StateRetrieve, p.retrieve},
		{StateGenerateAndDispatch, p.generateAndDispatch},
		{StateAwaitSynthesis, p.awaitSynthesis},
		{StateFinalize, p.finalize},
		{StatePersist, p.persist},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.enter(step.state)
		stepCtx, stepSpan := tracer.Start(ctx, string(step.state))
		err := step.fn(stepCtx)
		if err != nil && !errors.Is(err, errSilence) && ctx.Err() == nil {
			stepSpan.RecordError(err)
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) enter(s State) {
	p.state = s
	p.log.Debug("turn state", slog.String("state", string(s)))
}

func (p *pipeline) announce(ctx context.Context) error {
	p.send(ctx, protocol.Control(protocol.ActionChainStart))
	p.send(ctx, protocol.FullText(protocol.ThinkingPlaceholder))
	p.o.deps.Presence.Notify(ctx, presence.StatusEvent(p.turn.ClientID, presence.StatusThinking))
	return nil
}

func (p *pipeline) resolveInput(ctx context.Context) error {
	trig := p.turn.Trigger
	switch trig.Kind {
	case TriggerProactive:
		p.userText = p.o.opts.ProactivePrompt
		return nil
	case TriggerText:
		p.userText = strings.TrimSpace(trig.Text)
	case TriggerAudio:
		if p.o.deps.Transcriber == nil {
			return errors.New("audio input requires a transcriber")
		}
		sampleRate := trig.SampleRate
		if sampleRate <= 0 {
			sampleRate = p.o.opts.InputSampleRate
		}
		text, err := offload(ctx, p.o.pool, "transcribe", func(ctx context.Context) (string, error) {
			return p.o.deps.Transcriber.Transcribe(ctx, trig.PCM, sampleRate)
		})
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		text = strings.TrimSpace(text)
		if len([]rune(text)) < p.o.opts.MinTranscriptChars || text == "" {
			p.o.inst.silence.Add(ctx, 1)
			p.log.Debug("transcript empty or too short, ending turn")
			return errSilence
		}
		p.userText = text
		p.send(ctx, protocol.Transcription(text))
	}
	p.log.Info("user input resolved", slog.String("text", p.userText))
	p.o.deps.Presence.Notify(ctx, presence.SubtitleEvent(p.turn.ClientID, presence.RoleUser, p.userText))
	return nil
}

func (p *pipeline) retrieve(ctx context.Context) error {
	if p.o.deps.Memory == nil || p.turn.Metadata.SkipMemory {
		return nil
	}
	block, err := offload(ctx, p.o.pool, "retrieve", func(ctx context.Context) (string, error) {
		return p.o.deps.Memory.Retrieve(ctx, p.userText)
	})
	if err != nil {
		return fmt.Errorf("retrieve context: %w", err)
	}
	p.context = block
	return nil
}

func (p *pipeline) generateAndDispatch(ctx context.Context) error {
	p.o.deps.Presence.Notify(ctx, presence.StatusEvent(p.turn.ClientID, presence.StatusSpeaking))

	req := p.o.opts.Request
	req.SessionID = p.turn.ClientID
	req.Prompt = p.userText
	req.System = p.o.opts.SystemPrompt
	req.Context = p.context
	req.History = p.o.deps.History.Snapshot()

	reply, err := offload(ctx, p.o.pool, "generate", func(ctx context.Context) (string, error) {
		err := p.o.deps.Generator.Generate(ctx, req, func(chunk llm.Chunk) error {
			p.reply.add(chunk.Content)
			return nil
		})
		return p.reply.String(), err
	})
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		p.log.Warn("generator returned an empty reply")
		return nil
	}

	dispatched := 0
	for _, chunk := range ChunkText(reply, p.o.opts.ChunkSize) {
		if _, ok := p.sess.seq.Submit(ctx, tts.Filter(chunk), chunk); ok {
			dispatched++
		}
	}
	p.log.Info("reply generated",
		slog.String("text", reply),
		slog.Int("segments", dispatched))
	p.o.deps.Presence.Notify(ctx, presence.SubtitleEvent(p.turn.ClientID, presence.RoleAssistant, reply))
	return nil
}

func (p *pipeline) awaitSynthesis(ctx context.Context) error {
	return p.sess.seq.AwaitAll(ctx)
}

func (p *pipeline) finalize(ctx context.Context) error {
	// Register before the completion marker goes out so a fast acknowledgement
	// is not missed.
	pending := p.o.deps.Registry.Register(p.turn.ClientID, protocol.TypePlaybackComplete, "")
	if err := p.sess.seq.Finish(ctx); err != nil {
		pending.Cancel()
		return err
	}

	if _, ok := pending.Wait(ctx, p.o.opts.PlaybackTimeout); !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.o.inst.ackTimeouts.Add(ctx, 1)
		p.log.Warn("no playback acknowledgement, ending turn",
			slog.Duration("timeout", p.o.opts.PlaybackTimeout))
	}

	p.send(ctx, protocol.ForceNewMessage())
	p.send(ctx, protocol.Control(protocol.ActionChainEnd))
	return nil
}

func (p *pipeline) persist(ctx context.Context) error {
	reply := p.reply.String()
	if !p.turn.Metadata.SkipHistory {
		p.o.deps.History.Append(
			llm.Message{Role: llm.RoleUser, Content: p.userText},
			llm.Message{Role: llm.RoleAssistant, Content: reply},
		)
	}
	p.persisted = true
	if p.o.deps.Memory != nil && !p.turn.Metadata.SkipMemory {
		_, err := offload(ctx, p.o.pool, "ingest", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.o.deps.Memory.Ingest(ctx, p.userText, reply)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("memory ingestion failed", slogError(err))
		}
	}
	p.o.deps.Presence.Notify(ctx, presence.StatusEvent(p.turn.ClientID, presence.StatusListening))
	return nil
}

// send is best effort; a client that went away is not an error for the turn.
func (p *pipeline) send(ctx context.Context, msg protocol.Message) {
	if err := p.o.deps.Sender.Send(ctx, p.turn.ClientID, msg); err != nil {
		p.log.Debug("failed to send message", slog.String("type", msg.Type), slogError(err))
	}
}
