package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// writeAgentScript writes an executable shell script acting as a fake agent.
// The script receives the prompt via -p like the real agent command.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("agent subprocess tests require sh")
	}

	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestDispatch_Completed(t *testing.T) {
	script := writeAgentScript(t, `echo 'result: success'
echo 'story_file: docs/stories/5-1.md'`)

	d := NewDispatcher(WithCommand(script))
	schema := &Schema{
		Name: "create-story",
		Fields: []Field{
			{Name: "result", Kind: KindString, Required: true, Enum: []string{"success", "failed"}},
		},
	}

	h, err := d.Dispatch(context.Background(), Request{
		Prompt: "create story 5-1",
		Agent:  "sm",
		Schema: schema,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := h.Result()
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (output: %q)", res.Status, res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Parsed == nil {
		t.Fatalf("parsed is nil, parse error: %v", res.ParseError)
	}
	if res.Parsed["result"] != "success" {
		t.Errorf("parsed result = %v", res.Parsed["result"])
	}
	if res.Tokens.Input == 0 || res.Tokens.Output == 0 {
		t.Errorf("token estimate not populated: %+v", res.Tokens)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestDispatch_Failed(t *testing.T) {
	script := writeAgentScript(t, `echo 'partial work'
exit 3`)

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{Prompt: "do work", Agent: "dev"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := h.Result()
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "partial work") {
		t.Errorf("output should keep captured text: %q", res.Output)
	}
	if res.Parsed != nil {
		t.Error("parsed must be nil for failed dispatch")
	}
}

func TestDispatch_Timeout(t *testing.T) {
	script := writeAgentScript(t, `echo 'started'
sleep 30`)

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{
		Prompt:  "long task",
		Agent:   "dev",
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	start := time.Now()
	res := h.Result()
	elapsed := time.Since(start)

	if res.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", res.Status)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if elapsed > 10*time.Second {
		t.Errorf("timeout took %v, group kill did not reap children", elapsed)
	}
}

func TestDispatch_Cancel(t *testing.T) {
	script := writeAgentScript(t, `sleep 30`)

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{Prompt: "work", Agent: "dev"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Let the process start before cancelling
	time.Sleep(50 * time.Millisecond)
	h.Cancel()

	res := h.Result()
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed after cancel", res.Status)
	}
}

func TestDispatch_EmptyPrompt(t *testing.T) {
	d := NewDispatcher(WithCommand("true"))

	_, err := d.Dispatch(context.Background(), Request{Prompt: ""})
	if err == nil {
		t.Fatal("expected error for empty prompt")
	}
	var autoErr *autoerrors.AutoError
	if !errors.As(err, &autoErr) || autoErr.Code != autoerrors.CodeInputInvalid {
		t.Errorf("expected INPUT_INVALID, got %v", err)
	}
}

func TestDispatch_AgentUnavailable(t *testing.T) {
	d := NewDispatcher(WithCommand("definitely-not-a-real-binary-xyz"))

	_, err := d.Dispatch(context.Background(), Request{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error for missing agent command")
	}
	var autoErr *autoerrors.AutoError
	if !errors.As(err, &autoErr) || autoErr.Code != autoerrors.CodeAgentUnavailable {
		t.Errorf("expected AGENT_UNAVAILABLE, got %v", err)
	}
}

func TestDispatch_SchemaFailureKeepsOutput(t *testing.T) {
	script := writeAgentScript(t, `echo 'I did the work but forgot the YAML block.'`)

	d := NewDispatcher(WithCommand(script))
	schema := &Schema{
		Name:   "dev-story",
		Fields: []Field{{Name: "result", Kind: KindString, Required: true}},
	}

	h, err := d.Dispatch(context.Background(), Request{Prompt: "work", Agent: "dev", Schema: schema})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := h.Result()
	if res.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (exit 0)", res.Status)
	}
	if res.Parsed != nil {
		t.Error("parsed must be nil when schema validation fails")
	}
	if res.ParseError == nil {
		t.Error("parse error must be reported")
	}
	if !strings.Contains(res.Output, "forgot the YAML") {
		t.Errorf("raw output lost: %q", res.Output)
	}
}

func TestDispatch_StatsLineOverridesTokens(t *testing.T) {
	script := writeAgentScript(t, `echo 'result: success'
echo '{"usage":{"input_tokens":9000,"output_tokens":450}}'`)

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{Prompt: "work", Agent: "dev"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := h.Result()
	if res.Tokens.Input != 9000 || res.Tokens.Output != 450 {
		t.Errorf("tokens = %+v, want stats-line values", res.Tokens)
	}
}

func TestDispatcher_Counts(t *testing.T) {
	script := writeAgentScript(t, `echo ok`)

	d := NewDispatcher(WithCommand(script))
	if d.ActiveCount() != 0 || d.CompletedCount() != 0 {
		t.Fatal("fresh dispatcher should have zero counts")
	}

	h1, err := d.Dispatch(context.Background(), Request{Prompt: "a"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	h2, err := d.Dispatch(context.Background(), Request{Prompt: "b"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	h1.Result()
	h2.Result()

	if d.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after completion, want 0", d.ActiveCount())
	}
	if d.CompletedCount() != 2 {
		t.Errorf("CompletedCount = %d, want 2", d.CompletedCount())
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	script := writeAgentScript(t, `sleep 30`)

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{Prompt: "work"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not reap in-flight dispatches")
	}

	res := h.Result()
	if res.Status == StatusCompleted {
		t.Errorf("cancelled dispatch reported completed")
	}
	if d.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after shutdown, want 0", d.ActiveCount())
	}
}

func TestDispatch_WorkdirOverride(t *testing.T) {
	script := writeAgentScript(t, `pwd`)
	dir := t.TempDir()

	d := NewDispatcher(WithCommand(script))
	h, err := d.Dispatch(context.Background(), Request{Prompt: "where", Workdir: dir})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := h.Result()
	// Resolve symlinks: macOS tempdirs live under /private
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("workdir = %q, want %q", got, want)
	}
}
