package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

func TestExecuteEchoesStdin(t *testing.T) {
	b, err := New(Config{Name: "local", Command: "cat"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := b.Execute(context.Background(), &core.Request{Message: "hello subprocess"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Response != "hello subprocess" {
		t.Errorf("response = %q", result.Response)
	}
}

func TestNewRejectsMissingCommand(t *testing.T) {
	if _, err := New(Config{Name: "x"}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := New(Config{Name: "x", Command: "definitely-not-a-real-binary-1234"}); err == nil {
		t.Error("unresolvable command accepted")
	}
}

func TestExecuteFailureCapturesStderr(t *testing.T) {
	b, err := New(Config{Name: "local", Command: "sh", Args: []string{"-c", "echo boom >&2; exit 1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = b.Execute(context.Background(), &core.Request{Message: "x"})
	if err == nil {
		t.Fatal("failing subprocess reported success")
	}
	if got := err.Error(); !strings.Contains(got, "boom") {
		t.Errorf("error = %q, want stderr content", got)
	}
}

func TestExecuteHonorsContext(t *testing.T) {
	b, err := New(Config{Name: "local", Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = b.Execute(ctx, &core.Request{Message: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
