package engine

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-speak/internal/audio"
)

const execChunkFrames = 2048

// Exec drives an external espeak-ng compatible binary. The command must write
// a WAV stream to stdout; the source sample rate is read from its header, not
// assumed.
type Exec struct {
	cmd []string
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty: %w", ErrInit)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("engine binary %q not found: %w", args[0], ErrInit)
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Synthesize(text string, p Params, sink Sink) (int, error) {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"-v", p.Voice,
		"-s", strconv.Itoa(p.Speed),
		"-a", strconv.Itoa(p.Volume),
		"-g", strconv.Itoa(p.WordGap),
		"-p", strconv.Itoa(p.Pitch),
		"-k", strconv.Itoa(p.Capitals),
		"--stdin",
	)

	cmd := exec.Command(e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(text)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("engine synthesis: %w", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(out.Bytes()))
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("engine produced invalid wav output")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, fmt.Errorf("decode engine output: %w", err)
	}
	rate := buf.Format.SampleRate
	if rate <= 0 {
		return 0, fmt.Errorf("engine reported invalid sample rate %d", rate)
	}

	pcm := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		pcm[i] = int16(s)
	}
	for off := 0; off < len(pcm); off += execChunkFrames {
		end := off + execChunkFrames
		if end > len(pcm) {
			end = len(pcm)
		}
		if !sink(audio.Int16ToBytes(pcm[off:end])) {
			return rate, ErrStopped
		}
	}
	return rate, nil
}

func (e *Exec) Close() error { return nil }
