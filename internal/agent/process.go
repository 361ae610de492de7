package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// MaxEventBytes bounds a single JSON line read from the agent process.
const MaxEventBytes = 4 << 20

// ProcessAgent runs the agent as a subprocess. The instruction is written to
// stdin; the process emits one JSON Event per stdout line. Non-JSON lines are
// ignored so the agent may log to stdout.
type ProcessAgent struct {
	Command string
	Args    []string
	Logger  *slog.Logger
}

func (p *ProcessAgent) Invoke(ctx context.Context, inv Invocation) (Run, error) {
	if p.Command == "" {
		return nil, errors.New("agent command not configured")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = os.Environ()
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewBufferString(inv.Instruction)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &logWriter{logger: logger.With("stream", "stderr")}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	r := &processRun{cmd: cmd, events: make(chan Event, 64), done: make(chan struct{})}
	go r.read(stdout, logger)
	return r, nil
}

type processRun struct {
	cmd    *exec.Cmd
	events chan Event
	done   chan struct{}
	err    error
}

func (r *processRun) Events() <-chan Event { return r.events }

func (r *processRun) Wait() error {
	<-r.done
	return r.err
}

func (r *processRun) Interrupt() error {
	if r.cmd.Process == nil {
		return nil
	}
	if err := r.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (r *processRun) read(stdout io.Reader, logger *slog.Logger) {
	defer close(r.done)
	br := bufio.NewReaderSize(stdout, 64*1024)
	var readErr error
	for {
		raw, tooLong, err := readLine(br, MaxEventBytes)
		if tooLong {
			logger.Warn("skipping oversized agent output line", "limit", MaxEventBytes)
		} else if ev, ok := parseEvent(raw); ok {
			r.events <- ev
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	close(r.events)
	// the process must never block on a full pipe nobody reads
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := r.cmd.Wait()
	switch {
	case waitErr != nil:
		r.err = fmt.Errorf("agent exited: %w", waitErr)
	case readErr != nil:
		r.err = fmt.Errorf("read agent output: %w", readErr)
	}
	if r.err != nil {
		logger.Warn("agent run ended with error", "err", r.err)
	}
}

// readLine returns the next line without its terminator. A line longer than
// max is consumed and reported as tooLong with no content.
func readLine(br *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

func parseEvent(raw []byte) (Event, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

type logWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Debug(string(line))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
