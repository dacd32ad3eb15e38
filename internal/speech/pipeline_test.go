package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, rate int) config.SpeechConfig {
	t.Helper()
	return config.SpeechConfig{
		UseCache:   false,
		TempDir:    t.TempDir(),
		SampleRate: rate,
		Voice:      config.DefaultVoice,
		Speed:      config.DefaultSpeed,
		Volume:     config.DefaultVolume,
		WordGap:    config.DefaultWordGap,
		Pitch:      config.DefaultPitch,
	}
}

func newTestPipeline(cfg config.SpeechConfig, eng engine.Engine) *Pipeline {
	log := testLogger()
	return NewPipeline(cfg, engine.NewDriver(eng), NewCache(cfg, log), log)
}

// fakeEngine synthesizes a fixed payload at a configurable rate, or fails.
type fakeEngine struct {
	rate    int
	payload []byte
	fail    error
	calls   atomic.Int64
}

func (f *fakeEngine) Synthesize(text string, p engine.Params, sink engine.Sink) (int, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return 0, f.fail
	}
	if !sink(f.payload) {
		return f.rate, engine.ErrStopped
	}
	return f.rate, nil
}

func (f *fakeEngine) Close() error { return nil }

// fakePlayer records delivered artifacts, snapshotting the bytes at play
// time since fresh artifacts are reaped after hand-off.
type fakePlayer struct {
	plays    []playedArtifact
	failNext int
}

type playedArtifact struct {
	path string
	rate int
	data []byte
}

func (f *fakePlayer) Play(path string, rate int, interrupt string) error {
	if f.failNext > 0 {
		f.failNext--
		return errors.New("stream rejected")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.plays = append(f.plays, playedArtifact{path: path, rate: rate, data: data})
	return nil
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSpeakEmptyTextIsNoOp(t *testing.T) {
	eng := &fakeEngine{rate: 8000, payload: []byte{1, 0, 2, 0}}
	cfg := testConfig(t, 8000)
	p := newTestPipeline(cfg, eng)
	player := &fakePlayer{}

	for _, text := range []string{"", "   ", `"`, `""`, ` " " `} {
		res, err := p.Speak(context.Background(), Request{Text: text}, player)
		if err != nil {
			t.Fatalf("Speak(%q): %v", text, err)
		}
		if res.State != StateDone || res.Spoke {
			t.Fatalf("Speak(%q): expected silent done, got %+v", text, res)
		}
	}
	if got := eng.calls.Load(); got != 0 {
		t.Fatalf("engine called %d times for empty text", got)
	}
	if len(player.plays) != 0 {
		t.Fatalf("player received %d artifacts for empty text", len(player.plays))
	}
	if names := listDir(t, cfg.TempDir); len(names) != 0 {
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestSpeakArtifactSuffixMatchesRate(t *testing.T) {
	cases := []struct {
		rate   int
		suffix string
	}{
		{8000, ".sln"},
		{16000, ".sln16"},
	}
	for _, tc := range cases {
		eng := &fakeEngine{rate: tc.rate, payload: []byte{1, 0, 2, 0, 3, 0}}
		cfg := testConfig(t, tc.rate)
		p := newTestPipeline(cfg, eng)
		player := &fakePlayer{}

		res, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
		if err != nil {
			t.Fatalf("Speak at %d: %v", tc.rate, err)
		}
		if !res.Spoke || res.State != StateDone {
			t.Fatalf("unexpected result at %d: %+v", tc.rate, res)
		}
		if !strings.HasSuffix(res.Artifact, tc.suffix) {
			t.Fatalf("artifact %q does not carry %q", res.Artifact, tc.suffix)
		}
		if len(player.plays) != 1 || player.plays[0].rate != tc.rate {
			t.Fatalf("player saw %+v, want one play at %d", player.plays, tc.rate)
		}
		// Fresh artifacts are reaped once delivery returns.
		if names := listDir(t, cfg.TempDir); len(names) != 0 {
			t.Fatalf("temp files left behind at %d: %v", tc.rate, names)
		}
	}
}

func TestSpeakCacheServesRepeatRequests(t *testing.T) {
	eng := &fakeEngine{rate: 8000, payload: []byte{1, 0, 2, 0, 3, 0}}
	cfg := testConfig(t, 8000)
	cfg.UseCache = true
	cfg.CacheDir = t.TempDir()
	p := newTestPipeline(cfg, eng)
	player := &fakePlayer{}

	first, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
	if err != nil {
		t.Fatalf("first Speak: %v", err)
	}
	if first.Cached {
		t.Fatal("first request should not be a cache hit")
	}

	second, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
	if err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	if !second.Cached {
		t.Fatal("second request should hit the cache")
	}
	if got := eng.calls.Load(); got != 1 {
		t.Fatalf("engine called %d times, want 1", got)
	}
	if len(player.plays) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(player.plays))
	}
	if !bytes.Equal(player.plays[0].data, player.plays[1].data) {
		t.Fatal("cached delivery differs from fresh delivery")
	}
	// The cached copy survives; the per-request temp area stays clean.
	if names := listDir(t, cfg.TempDir); len(names) != 0 {
		t.Fatalf("temp files left behind: %v", names)
	}
	cached := listDir(t, cfg.CacheDir)
	if len(cached) != 1 || !strings.HasSuffix(cached[0], ".sln") {
		t.Fatalf("unexpected cache contents: %v", cached)
	}
}

func TestSpeakCachedPlaybackFailureFallsBack(t *testing.T) {
	eng := &fakeEngine{rate: 8000, payload: []byte{1, 0, 2, 0}}
	cfg := testConfig(t, 8000)
	cfg.UseCache = true
	cfg.CacheDir = t.TempDir()
	p := newTestPipeline(cfg, eng)

	if _, err := p.Speak(context.Background(), Request{Text: "hello"}, &fakePlayer{}); err != nil {
		t.Fatalf("warm-up Speak: %v", err)
	}

	player := &fakePlayer{failNext: 1}
	res, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
	if err != nil {
		t.Fatalf("Speak with failing cached playback: %v", err)
	}
	if res.Cached {
		t.Fatal("fallback delivery must not report a cache hit")
	}
	if !res.Spoke || res.State != StateDone {
		t.Fatalf("unexpected fallback result: %+v", res)
	}
	if got := eng.calls.Load(); got != 2 {
		t.Fatalf("engine called %d times, want fresh synthesis after cached playback failed", got)
	}
}

func TestSpeakSynthesisFailureCleansUp(t *testing.T) {
	eng := &fakeEngine{fail: errors.New("voice model missing")}
	cfg := testConfig(t, 8000)
	p := newTestPipeline(cfg, eng)

	res, err := p.Speak(context.Background(), Request{Text: "hello"}, &fakePlayer{})
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
	if res.State != StateFailed || res.Spoke {
		t.Fatalf("unexpected result: %+v", res)
	}
	if names := listDir(t, cfg.TempDir); len(names) != 0 {
		t.Fatalf("temp files left behind after failure: %v", names)
	}
}

func TestSpeakConversionFailureCleansUp(t *testing.T) {
	// A zero source rate cannot be resampled.
	eng := &fakeEngine{rate: 0, payload: []byte{1, 0, 2, 0}}
	cfg := testConfig(t, 8000)
	p := newTestPipeline(cfg, eng)

	res, err := p.Speak(context.Background(), Request{Text: "hello"}, &fakePlayer{})
	if !errors.Is(err, ErrConversion) {
		t.Fatalf("expected conversion error, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("unexpected state: %v", res.State)
	}
	if names := listDir(t, cfg.TempDir); len(names) != 0 {
		t.Fatalf("temp files left behind after failure: %v", names)
	}
}

// renameBlocker synthesizes normally but plants a directory at the name the
// raw temp file will be renamed to, so finalization cannot succeed.
type renameBlocker struct {
	dir     string
	payload []byte
}

func (f *renameBlocker) Synthesize(text string, p engine.Params, sink engine.Sink) (int, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "speak-*.raw"))
	if err != nil || len(matches) != 1 {
		return 0, fmt.Errorf("expected one raw temp file, got %v (%v)", matches, err)
	}
	blocker := strings.TrimSuffix(matches[0], ".raw") + ".sln"
	if err := os.Mkdir(blocker, 0o755); err != nil {
		return 0, err
	}
	if !sink(f.payload) {
		return 8000, engine.ErrStopped
	}
	return 8000, nil
}

func (f *renameBlocker) Close() error { return nil }

func TestSpeakFinalizeFailureCleansUp(t *testing.T) {
	cfg := testConfig(t, 8000)
	eng := &renameBlocker{dir: cfg.TempDir, payload: []byte{1, 0, 2, 0}}
	p := newTestPipeline(cfg, eng)

	res, err := p.Speak(context.Background(), Request{Text: "hello"}, &fakePlayer{})
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected finalization to fail the request, got %v", err)
	}
	if res.State != StateFailed || res.Spoke {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Only the planted directory may remain; the raw temp file must be reaped.
	names := listDir(t, cfg.TempDir)
	if len(names) != 1 || !strings.HasSuffix(names[0], ".sln") {
		t.Fatalf("expected only the planted directory to remain, got %v", names)
	}
}

func TestSpeakCacheWriteFailureStillDelivers(t *testing.T) {
	eng := &fakeEngine{rate: 8000, payload: []byte{1, 0, 2, 0}}
	cfg := testConfig(t, 8000)
	cfg.UseCache = true
	// A regular file where the cache directory should be makes every cache
	// write fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.CacheDir = blocker
	p := newTestPipeline(cfg, eng)
	player := &fakePlayer{}

	res, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
	if err != nil {
		t.Fatalf("Speak with broken cache: %v", err)
	}
	if !res.Spoke || res.State != StateDone {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(player.plays) != 1 {
		t.Fatalf("expected delivery despite cache failure, got %d plays", len(player.plays))
	}
}

func TestSpeakSkipsConversionAtMatchingRate(t *testing.T) {
	payload := []byte{10, 0, 20, 0, 30, 0, 40, 0}
	eng := &fakeEngine{rate: 16000, payload: payload}
	cfg := testConfig(t, 16000)
	p := newTestPipeline(cfg, eng)
	player := &fakePlayer{}

	res, err := p.Speak(context.Background(), Request{Text: "hi"}, player)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.SourceRate != 16000 {
		t.Fatalf("source rate %d, want 16000", res.SourceRate)
	}
	if len(player.plays) != 1 || !bytes.Equal(player.plays[0].data, payload) {
		t.Fatal("matching-rate synthesis must deliver the raw PCM unchanged")
	}
}

func TestSpeakPlayFailureOnFreshPath(t *testing.T) {
	eng := &fakeEngine{rate: 8000, payload: []byte{1, 0, 2, 0}}
	cfg := testConfig(t, 8000)
	p := newTestPipeline(cfg, eng)
	player := &fakePlayer{failNext: 1}

	res, err := p.Speak(context.Background(), Request{Text: "hello"}, player)
	if err == nil {
		t.Fatal("expected playback error to surface")
	}
	if errors.Is(err, ErrSynthesis) || errors.Is(err, ErrConversion) {
		t.Fatalf("playback failure must not masquerade as a pipeline error: %v", err)
	}
	if res.State != StateDone || !res.Spoke {
		t.Fatalf("unexpected result: %+v", res)
	}
	if names := listDir(t, cfg.TempDir); len(names) != 0 {
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestSpeakIsolatesVoiceParams(t *testing.T) {
	// Two pipelines at different pitch share one driver; sequential requests
	// must each get their own voice settings.
	mock := engine.NewMock()
	drv := engine.NewDriver(mock)
	log := testLogger()

	low := testConfig(t, 8000)
	low.Pitch = 10
	high := testConfig(t, 8000)
	high.Pitch = 90

	pLow := NewPipeline(low, drv, NewCache(low, log), log)
	pHigh := NewPipeline(high, drv, NewCache(high, log), log)

	playerLow := &fakePlayer{}
	playerHigh := &fakePlayer{}
	if _, err := pLow.Speak(context.Background(), Request{Text: "hello"}, playerLow); err != nil {
		t.Fatalf("low-pitch Speak: %v", err)
	}
	if _, err := pHigh.Speak(context.Background(), Request{Text: "hello"}, playerHigh); err != nil {
		t.Fatalf("high-pitch Speak: %v", err)
	}
	if bytes.Equal(playerLow.plays[0].data, playerHigh.plays[0].data) {
		t.Fatal("different pitch settings produced identical audio")
	}
}

func TestTrimQuoted(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`hello`, "hello"},
		{`  hello  `, "hello"},
		{`"hello"`, "hello"},
		{` "hello world" `, "hello world"},
		{`" padded "`, "padded"},
		{`"`, ""},
		{`""`, ""},
		{`"hello`, `"hello`},
	}
	for _, tc := range cases {
		if got := trimQuoted(tc.in); got != tc.want {
			t.Errorf("trimQuoted(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
