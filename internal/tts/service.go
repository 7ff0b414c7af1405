package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/mia-core/internal/bus"
	"github.com/loqalabs/mia-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers SynthesisRequests on the bus with a local synthesizer so
// other runtimes can offload speech generation.
type Service struct {
	bus     *bus.Client
	subject string
	synth   Synthesizer
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, subject string, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		subject: subject,
		synth:   synth,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	// Queue group so several workers share the load.
	sub, err := s.bus.Conn().QueueSubscribe(s.subject, "tts-workers", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("serving synthesis requests", slog.String("subject", s.subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.respond(msg, protocol.SynthesisReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		audio, err := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})
		if err != nil {
			s.logger.Warn("tts synthesis error", slogError(err), slog.String("session_id", req.SessionID))
			s.respond(msg, protocol.SynthesisReply{Error: err.Error()})
			return
		}
		s.respond(msg, protocol.SynthesisReply{PCM: audio.PCM, SampleRate: audio.SampleRate, Channels: audio.Channels})
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SynthesisReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal tts reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish tts reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
