package prompts

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeOverrideStore struct {
	overrides map[string]string
	err       error
	calls     int
}

func (f *fakeOverrideStore) ListActiveOverrides(_ context.Context, _ string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.overrides, nil
}

func TestResolveEmptyUserSkipsQuery(t *testing.T) {
	t.Parallel()
	fs := &fakeOverrideStore{}
	r := NewResolver(fs)

	got := r.Resolve(context.Background(), "")
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %+v", got)
	}
	if fs.calls != 0 {
		t.Fatalf("expected no store query for empty user")
	}
}

func TestResolveFailureDegradesToEmpty(t *testing.T) {
	t.Parallel()
	fs := &fakeOverrideStore{err: errors.New("db down")}
	r := NewResolver(fs)

	got := r.Resolve(context.Background(), "admin-1")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty map on failure, got %+v", got)
	}
}

func TestBuildSystemPromptDefault(t *testing.T) {
	t.Parallel()
	prompt := BuildSystemPrompt("French", nil)
	if !strings.Contains(prompt, "Answer in French") {
		t.Fatalf("language not substituted:\n%s", prompt)
	}
	if !strings.Contains(prompt, "<citation-url>") || !strings.Contains(prompt, "<s-1>") {
		t.Fatalf("base fragments missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "{{language}}") {
		t.Fatalf("placeholder left in prompt")
	}
}

func TestBuildSystemPromptAppliesOverrides(t *testing.T) {
	t.Parallel()
	prompt := BuildSystemPrompt("English", map[string]string{
		FragmentCitation: "Cite nothing.",
		"unknown.md":     "ignored",
	})
	if !strings.Contains(prompt, "Cite nothing.") {
		t.Fatalf("override not spliced:\n%s", prompt)
	}
	if strings.Contains(prompt, "Never invent URLs") {
		t.Fatalf("overridden fragment still present:\n%s", prompt)
	}
	if strings.Contains(prompt, "ignored") {
		t.Fatalf("unknown override key must be ignored")
	}
}

func TestBuildSystemPromptDegradationIdempotent(t *testing.T) {
	t.Parallel()
	// a failed override fetch yields the same prompt as no overrides at all
	if BuildSystemPrompt("English", map[string]string{}) != BuildSystemPrompt("English", nil) {
		t.Fatalf("empty map and nil map must produce identical prompts")
	}
}
