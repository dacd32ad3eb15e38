package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speak/internal/audio"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/engine"
)

// State names the pipeline stages a request moves through.
type State string

const (
	StateIdle         State = "idle"
	StateCacheCheck   State = "cache_check"
	StateSynthesizing State = "synthesizing"
	StateConverting   State = "converting"
	StateFinalizing   State = "finalizing"
	StateDeliver      State = "deliver"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Request is one utterance to speak.
type Request struct {
	SessionID string
	Text      string
	Voice     string // optional override of the configured voice
	Interrupt string // opaque interrupt-key set, passed through to playback
}

// Result reports how a request was served. Spoke is false for the empty-text
// no-op. A non-cached Artifact path is already deleted by the time Speak
// returns; it is informational only.
type Result struct {
	State      State
	Spoke      bool
	Cached     bool
	Artifact   string
	SourceRate int
	SampleRate int
}

// Player is the playback collaborator: it streams a finalized artifact to the
// listener and owns interruption handling.
type Player interface {
	Play(path string, sampleRate int, interrupt string) error
}

// Pipeline sequences cache check, synthesis, conversion and artifact
// finalization for speak requests.
type Pipeline struct {
	cfg    config.SpeechConfig
	driver *engine.Driver
	cache  *Cache
	log    *slog.Logger

	requests  metric.Int64Counter
	cacheHits metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewPipeline(cfg config.SpeechConfig, drv *engine.Driver, cache *Cache, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		driver: drv,
		cache:  cache,
		log:    log.With(slog.String("component", "speech-pipeline")),
	}
	p.initMetrics()
	return p
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-speak/speech")
	var err error
	if p.requests, err = meter.Int64Counter("loqa_speak.requests",
		metric.WithDescription("Completed speak requests by outcome")); err != nil {
		p.log.Warn("failed to initialize request counter", slogError(err))
	}
	if p.cacheHits, err = meter.Int64Counter("loqa_speak.cache_hits",
		metric.WithDescription("Requests served from the rendering cache")); err != nil {
		p.log.Warn("failed to initialize cache hit counter", slogError(err))
	}
	if p.duration, err = meter.Float64Histogram("loqa_speak.synthesis_seconds",
		metric.WithDescription("Wall time of engine synthesis calls")); err != nil {
		p.log.Warn("failed to initialize synthesis histogram", slogError(err))
	}
}

// Speak runs one request through the pipeline and delivers the resulting
// artifact to player. It blocks until playback hand-off completes. Only
// synthesis and conversion failures are surfaced as errors; cache problems
// degrade silently per the cache contract.
func (p *Pipeline) Speak(ctx context.Context, req Request, player Player) (Result, error) {
	res := Result{State: StateIdle, SampleRate: p.cfg.SampleRate}

	text := trimQuoted(req.Text)
	if text == "" {
		// Nothing to say is a deliberate no-op, not an error.
		res.State = StateDone
		p.count(ctx, "empty")
		return res, nil
	}

	voice := p.cfg.Voice
	if req.Voice != "" {
		voice = req.Voice
	}

	res.State = StateCacheCheck
	if entry, ok := p.cache.Lookup(text, p.cfg.SampleRate); ok {
		res.State = StateDeliver
		if err := player.Play(entry.Path, entry.SampleRate, req.Interrupt); err != nil {
			// The cached rendering could not be streamed; synthesize fresh.
			p.log.Warn("cached artifact playback failed",
				slogError(err), slog.String("path", entry.Path))
		} else {
			res.Spoke = true
			res.Cached = true
			res.Artifact = entry.Path
			res.State = StateDone
			p.hit(ctx)
			p.count(ctx, "cache_hit")
			return res, nil
		}
	}

	writeCache := false
	if cachePath, ok := p.cache.EntryPath(text, p.cfg.SampleRate); ok {
		if _, err := os.Stat(cachePath); err != nil {
			writeCache = true
		}
	}

	res.State = StateSynthesizing
	start := time.Now()

	raw, err := createRawTemp(p.cfg.TempDir)
	if err != nil {
		res.State = StateFailed
		p.count(ctx, "failed")
		return res, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	rawPath := raw.Name()

	cleanup := []string{rawPath}
	defer func() {
		for _, path := range cleanup {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				p.log.Warn("failed to remove temp file",
					slogError(err), slog.String("path", path))
			}
		}
	}()

	params := engine.Params{
		Voice:    voice,
		Speed:    p.cfg.Speed,
		Volume:   p.cfg.Volume,
		WordGap:  p.cfg.WordGap,
		Pitch:    p.cfg.Pitch,
		Capitals: p.cfg.Capitals,
	}

	var sinkErr error
	srcRate, synthErr := p.driver.Synthesize(text, params, func(pcm []byte) bool {
		if _, err := raw.Write(pcm); err != nil {
			sinkErr = err
			return false
		}
		return true
	})
	if closeErr := raw.Close(); closeErr != nil && synthErr == nil && sinkErr == nil {
		synthErr = closeErr
	}
	if sinkErr != nil {
		// The stop signal was ours; report the underlying write failure.
		synthErr = sinkErr
	}
	if synthErr != nil {
		res.State = StateFailed
		p.count(ctx, "failed")
		return res, fmt.Errorf("%w: %v", ErrSynthesis, synthErr)
	}
	res.SourceRate = srcRate
	p.observe(ctx, time.Since(start))

	if srcRate != p.cfg.SampleRate {
		res.State = StateConverting
		if err := p.convert(rawPath, srcRate, p.cfg.SampleRate); err != nil {
			res.State = StateFailed
			p.count(ctx, "failed")
			return res, fmt.Errorf("%w: %v", ErrConversion, err)
		}
	}

	res.State = StateFinalizing
	final, err := finalizeArtifact(rawPath, p.cfg.SampleRate)
	if err != nil {
		res.State = StateFailed
		p.count(ctx, "failed")
		return res, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	// The raw name is gone; the finalized artifact is now the file to reap
	// once playback hand-off is over.
	cleanup[0] = final

	if writeCache {
		if err := p.cache.Store(text, p.cfg.SampleRate, final); err != nil {
			p.log.Warn("cache write failed", slogError(err))
		}
	}

	res.Spoke = true
	res.Artifact = final
	res.State = StateDeliver
	playErr := player.Play(final, p.cfg.SampleRate, req.Interrupt)
	res.State = StateDone
	p.count(ctx, "synthesized")
	if playErr != nil {
		return res, playErr
	}
	return res, nil
}

// convert resamples the raw temp file in place from srcRate to dstRate.
func (p *Pipeline) convert(path string, srcRate, dstRate int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, err := audio.Resample(audio.BytesToInt16(data), srcRate, dstRate)
	if err != nil {
		return err
	}
	return os.WriteFile(path, audio.Int16ToBytes(out), 0o644)
}

// trimQuoted strips surrounding whitespace and one pair of double quotes. A
// lone quote character is its own opening and closing quote and strips to
// empty; an unbalanced quote is left in place.
func trimQuoted(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		if len(text) == 1 {
			return ""
		}
		text = text[1 : len(text)-1]
	}
	return strings.TrimSpace(text)
}

func (p *Pipeline) count(ctx context.Context, outcome string) {
	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (p *Pipeline) hit(ctx context.Context) {
	if p.cacheHits != nil {
		p.cacheHits.Add(ctx, 1)
	}
}

func (p *Pipeline) observe(ctx context.Context, d time.Duration) {
	if p.duration != nil {
		p.duration.Record(ctx, d.Seconds())
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
