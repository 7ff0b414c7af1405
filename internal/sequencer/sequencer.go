// Package sequencer synthesizes reply segments concurrently and hands them to
// a sink strictly in submission order.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/mia-core/internal/tts"
	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 3

// ErrReset is returned by waits interrupted by Reset.
var ErrReset = errors.New("sequencer reset")

// Payload is the outcome of one synthesis job. Failed jobs keep their slot and
// carry Err instead of audio.
type Payload struct {
	Sequence    int
	Text        string
	DisplayText string
	Audio       tts.Audio
	Err         error
}

// Sink receives payloads in sequence order followed by one completion marker.
type Sink interface {
	EmitSegment(ctx context.Context, p Payload) error
	EmitComplete(ctx context.Context) error
}

type Option func(*Sequencer)

func WithWorkers(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Sequencer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithVoice(voice string) Option {
	return func(s *Sequencer) { s.voice = voice }
}

func WithSessionID(id string) Option {
	return func(s *Sequencer) { s.sessionID = id }
}

// WithFailureHook is called once per failed synthesis job.
func WithFailureHook(fn func(seq int, err error)) Option {
	return func(s *Sequencer) { s.onFailure = fn }
}

type Sequencer struct {
	synth     tts.Synthesizer
	sink      Sink
	workers   int
	voice     string
	sessionID string
	log       *slog.Logger
	onFailure func(int, error)
	sem       *semaphore.Weighted

	mu        sync.Mutex
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	results   chan Payload
	submitted int
	finished  int
	emitted   int
	changed   chan struct{}
}

func New(synth tts.Synthesizer, sink Sink, opts ...Option) *Sequencer {
	s := &Sequencer{
		synth:   synth,
		sink:    sink,
		workers: defaultWorkers,
		log:     slog.Default(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.workers))
	return s
}

// Submit schedules text for synthesis and returns its sequence number. Blank
// text is ignored. Submit never blocks on synthesis.
func (s *Sequencer) Submit(ctx context.Context, text, displayText string) (int, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.results = make(chan Payload, s.workers)
		go s.emit(s.ctx, s.gen, s.results)
	}
	seq := s.submitted
	s.submitted++
	gen, jobCtx, results := s.gen, s.ctx, s.results
	s.broadcastLocked()
	s.mu.Unlock()

	go s.run(jobCtx, gen, results, Payload{Sequence: seq, Text: text, DisplayText: displayText})
	return seq, true
}

func (s *Sequencer) run(ctx context.Context, gen uint64, results chan<- Payload, unit Payload) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.markFinished(gen)
		return
	}
	audio, err := s.synth.Synthesize(ctx, tts.SynthRequest{SessionID: s.sessionID, Text: unit.Text, Voice: s.voice})
	s.sem.Release(1)

	if ctx.Err() != nil {
		s.markFinished(gen)
		return
	}
	unit.Audio, unit.Err = audio, err
	switch {
	case err != nil:
		s.log.Warn("segment synthesis failed",
			slog.Int("sequence", unit.Sequence),
			slog.String("error", err.Error()))
		if s.onFailure != nil {
			s.onFailure(unit.Sequence, err)
		}
	case audio.Empty():
		s.log.Warn("segment synthesis produced no audio", slog.Int("sequence", unit.Sequence))
	}

	select {
	case results <- unit:
	case <-ctx.Done():
	}
	s.markFinished(gen)
}

// emit is the single writer to the sink for one generation.
func (s *Sequencer) emit(ctx context.Context, gen uint64, results <-chan Payload) {
	buffered := make(map[int]Payload)
	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-results:
			buffered[p.Sequence] = p
			for {
				ready, ok := buffered[next]
				if !ok {
					break
				}
				delete(buffered, next)
				if ctx.Err() != nil {
					return
				}
				if err := s.sink.EmitSegment(ctx, ready); err != nil {
					s.log.Warn("failed to emit segment",
						slog.Int("sequence", ready.Sequence),
						slog.String("error", err.Error()))
				}
				next++
				s.markEmitted(gen)
			}
		}
	}
}

// AwaitAll blocks until every submitted job has finished.
func (s *Sequencer) AwaitAll(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.finished >= s.submitted })
}

// Finish waits until every payload reached the sink, then emits the
// completion marker.
func (s *Sequencer) Finish(ctx context.Context) error {
	if err := s.waitFor(ctx, func() bool { return s.emitted >= s.submitted }); err != nil {
		return err
	}
	return s.sink.EmitComplete(ctx)
}

// Reset cancels in-flight jobs, drops buffered payloads and zeroes the
// counters. Late results from before the reset are discarded.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	s.ctx, s.cancel, s.results = nil, nil, nil
	s.submitted, s.finished, s.emitted = 0, 0, 0
	s.broadcastLocked()
}

// Pending returns the number of jobs that have not finished yet.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted - s.finished
}

func (s *Sequencer) markFinished(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.finished++
	s.broadcastLocked()
}

func (s *Sequencer) markEmitted(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.emitted++
	s.broadcastLocked()
}

// waitFor blocks until cond holds under the lock. A Reset during the wait
// returns ErrReset.
func (s *Sequencer) waitFor(ctx context.Context, cond func() bool) error {
	s.mu.Lock()
	gen := s.gen
	for {
		if s.gen != gen {
			s.mu.Unlock()
			return ErrReset
		}
		if cond() {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

func (s *Sequencer) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
