package speech

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/history"
	"github.com/loqalabs/loqa-speak/internal/protocol"
)

// Service consumes speak requests from the bus, runs them through the
// pipeline and streams the finalized audio back as chunks.
type Service struct {
	cfg      config.SpeechConfig
	bus      *bus.Client
	pipeline *Pipeline
	history  *history.Store
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, pipeline *Pipeline, hist *history.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: pipeline,
		history:  hist,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeakRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s != nil && s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(req)
	}()
}

func (s *Service) serve(req protocol.SpeakRequest) {
	start := time.Now()
	player := &busPlayer{bus: s.bus, sessionID: req.SessionID, logger: s.logger}

	result, err := s.pipeline.Speak(s.ctx, Request{
		SessionID: req.SessionID,
		Text:      req.Text,
		Voice:     req.Voice,
		Interrupt: req.Interrupt,
	}, player)
	if err != nil {
		s.logger.Warn("speak request failed",
			slogError(err), slog.String("session_id", req.SessionID))
	}

	status := protocol.SpeakStatus{
		SessionID:  req.SessionID,
		Completed:  err == nil,
		Cached:     result.Cached,
		SampleRate: result.SampleRate,
		Timestamp:  time.Now().UTC(),
	}
	if result.Cached {
		status.Artifact = result.Artifact
	}
	if err != nil {
		// The host only learns that audio could not be produced; details
		// stay in the logs.
		status.Error = "could not produce audio"
	}
	if data, merr := json.Marshal(status); merr == nil {
		if perr := s.bus.Conn().Publish(protocol.SubjectSpeakDone, data); perr != nil {
			s.logger.Warn("failed to publish speak status", slogError(perr))
		}
	}

	s.record(req, result, err, time.Since(start))
}

func (s *Service) record(req protocol.SpeakRequest, result Result, err error, took time.Duration) {
	if s.history == nil {
		return
	}
	entry := history.Entry{
		SessionID:   req.SessionID,
		Fingerprint: Fingerprint(trimQuoted(req.Text)),
		TextChars:   len(req.Text),
		Voice:       req.Voice,
		CacheHit:    result.Cached,
		SourceRate:  result.SourceRate,
		TargetRate:  result.SampleRate,
		State:       string(result.State),
		DurationMS:  took.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if rerr := s.history.Record(s.ctx, entry); rerr != nil {
		s.logger.Warn("failed to record synthesis history", slogError(rerr))
	}
}

// busPlayer streams a finalized artifact over the bus in fixed-duration PCM
// chunks. Interrupt handling lives with the playback edge, not here.
type busPlayer struct {
	bus       *bus.Client
	sessionID string
	logger    *slog.Logger
}

func (b *busPlayer) Play(path string, sampleRate int, interrupt string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// 200ms of mono 16-bit PCM per chunk.
	chunkBytes := sampleRate / 5 * 2
	seq := 0
	for off := 0; off < len(data) || seq == 0; off += chunkBytes {
		end := off + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		chunk := protocol.AudioChunk{
			SessionID:  b.sessionID,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   1,
			PCM:        data[off:end],
			Final:      end == len(data),
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if err := b.bus.Conn().Publish(protocol.SubjectSpeakAudio, payload); err != nil {
			return err
		}
		seq++
	}
	return nil
}
