package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestProcessAgentStreamsJSONLines(t *testing.T) {
	script := `read -r line; echo "instruction: $line"; ` +
		`echo '{"type":"tool_use","tool":"WebSearch","input":{"query":"agencies bondi"}}'; ` +
		`echo 'not json'; ` +
		`echo '{"type":"result","text":"done"}'`
	p := &ProcessAgent{Command: "sh", Args: []string{"-c", script}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := p.Invoke(ctx, Invocation{Instruction: "find agencies\n", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var got []Event
	for ev := range run.Events() {
		got = append(got, ev)
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(got) != 2 || got[0].Type != EventToolUse || got[1].Type != EventResult {
		t.Fatalf("unexpected events %+v", got)
	}
	if s := ToolSummary(got[0]); s != "WebSearch: agencies bondi" {
		t.Fatalf("summary = %q", s)
	}
}

func TestProcessAgentReportsExitError(t *testing.T) {
	p := &ProcessAgent{Command: "sh", Args: []string{"-c", "exit 3"}}
	run, err := p.Invoke(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	for range run.Events() {
	}
	if err := run.Wait(); err == nil {
		t.Fatalf("expected exit error")
	}
}

func TestProcessAgentSkipsOversizedLine(t *testing.T) {
	script := `head -c 5000000 /dev/zero | tr '\0' a; echo; ` +
		`i=0; while [ $i -lt 20000 ]; do echo '{"type":"text","text":"x"}'; i=$((i+1)); done; ` +
		`echo '{"type":"result","text":"done"}'`
	p := &ProcessAgent{Command: "sh", Args: []string{"-c", script}}
	run, err := p.Invoke(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var last Event
	n := 0
	for ev := range run.Events() {
		last = ev
		n++
	}
	waited := make(chan error, 1)
	go func() { waited <- run.Wait() }()
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("Wait blocked after the oversized line")
	}
	if n != 20001 || last.Type != EventResult {
		t.Fatalf("got %d events, last %+v", n, last)
	}
}

func TestReadLineReportsTooLong(t *testing.T) {
	br := bufio.NewReaderSize(strings.NewReader("abcdefghij\nok\ntail"), 16)
	if _, tooLong, err := readLine(br, 4); !tooLong || err != nil {
		t.Fatalf("long line: tooLong=%v err=%v", tooLong, err)
	}
	if line, tooLong, err := readLine(br, 4); tooLong || err != nil || string(line) != "ok\n" {
		t.Fatalf("short line %q tooLong=%v err=%v", line, tooLong, err)
	}
	if line, _, err := readLine(br, 4); !errors.Is(err, io.EOF) || string(line) != "tail" {
		t.Fatalf("last line %q err=%v", line, err)
	}
}

func TestToolSummaryFallsBackToName(t *testing.T) {
	ev := Event{Type: EventToolUse, Tool: "Write", Input: json.RawMessage(`{"content":"x"}`)}
	if s := ToolSummary(ev); s != "Write" {
		t.Fatalf("summary = %q", s)
	}
}
