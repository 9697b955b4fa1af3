package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/common/errors"
	"github.com/anyon/anyon/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(newTestLogger())
	if err := reg.LoadDefaults(); err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}
	return reg
}

func TestLoadDefaults(t *testing.T) {
	reg := loadedRegistry(t)

	for _, id := range []string{"CLAUDE_CODE", "CODEX", "GEMINI"} {
		if !reg.Exists(id) {
			t.Errorf("expected default executor %s", id)
		}
	}
	if got := reg.List(); len(got) != 3 || got[0] != "CLAUDE_CODE" {
		t.Errorf("unexpected list %v", got)
	}
}

func TestResolveDefaultVariant(t *testing.T) {
	reg := loadedRegistry(t)

	profile, err := reg.Resolve(actions.NewProfileID("CLAUDE_CODE", ""))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if profile.ID.Variant != nil {
		t.Errorf("expected default variant, got %v", profile.ID)
	}
	for _, a := range profile.Command {
		if a == "--permission-mode=plan" {
			t.Error("default variant must not carry plan args")
		}
	}
	if profile.Env["NO_COLOR"] != "1" {
		t.Errorf("expected executor env, got %v", profile.Env)
	}
}

func TestResolveVariant(t *testing.T) {
	reg := loadedRegistry(t)

	profile, err := reg.Resolve(actions.NewProfileID("CLAUDE_CODE", "PLAN"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	last := profile.Command[len(profile.Command)-1]
	if last != "--permission-mode=plan" {
		t.Errorf("expected plan arg appended, got %v", profile.Command)
	}
	if profile.ID.String() != "CLAUDE_CODE:PLAN" {
		t.Errorf("unexpected id %s", profile.ID)
	}
}

func TestResolveUnknownVariantFallsBack(t *testing.T) {
	reg := loadedRegistry(t)

	profile, err := reg.Resolve(actions.NewProfileID("CODEX", "EXPERIMENTAL"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if profile.ID.Variant != nil {
		t.Errorf("expected fallback to default variant, got %s", profile.ID)
	}
}

func TestResolveUnknownExecutor(t *testing.T) {
	reg := loadedRegistry(t)

	_, err := reg.Resolve(actions.NewProfileID("NOPE", ""))
	if !errors.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestProfileArgs(t *testing.T) {
	reg := loadedRegistry(t)
	profile, _ := reg.Resolve(actions.NewProfileID("CLAUDE_CODE", ""))

	initial := profile.Args("")
	if len(initial) != len(profile.Command) {
		t.Errorf("initial request should not resume, got %v", initial)
	}

	resumed := profile.Args("sess-42")
	if resumed[len(resumed)-2] != "--resume" || resumed[len(resumed)-1] != "sess-42" {
		t.Errorf("expected resume args, got %v", resumed)
	}
	// Args must not alias the profile command
	if len(profile.Command) != len(initial) {
		t.Error("Args mutated the profile command")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	contents := []byte(`
version: "1"
executors:
  ECHO:
    name: Echo
    command: ["echo"]
    resumeArgs: ["--session={session_id}"]
  BROKEN:
    name: Broken
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(newTestLogger())
	if err := reg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if !reg.Exists("ECHO") {
		t.Error("expected ECHO executor")
	}
	if reg.Exists("BROKEN") {
		t.Error("invalid executor should be skipped")
	}

	profile, _ := reg.Resolve(actions.NewProfileID("ECHO", ""))
	if got := profile.Args("s1"); got[len(got)-1] != "--session=s1" {
		t.Errorf("unexpected args %v", got)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *ExecutorConfig
		wantErr bool
	}{
		{"valid", &ExecutorConfig{ID: "X", Command: []string{"x"}, ResumeArgs: []string{"{session_id}"}}, false},
		{"missing id", &ExecutorConfig{Command: []string{"x"}, ResumeArgs: []string{"{session_id}"}}, true},
		{"missing command", &ExecutorConfig{ID: "X", ResumeArgs: []string{"{session_id}"}}, true},
		{"no session placeholder", &ExecutorConfig{ID: "X", Command: []string{"x"}, ResumeArgs: []string{"--resume"}}, true},
		{"explicit default", &ExecutorConfig{ID: "X", Command: []string{"x"}, ResumeArgs: []string{"{session_id}"},
			Variants: map[string]*VariantConfig{DefaultVariant: {}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	cfg := &ExecutorConfig{ID: "X", Command: []string{"x"}, ResumeArgs: []string{"{session_id}"}}
	if err := reg.Register(cfg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(cfg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestVariants(t *testing.T) {
	reg := NewRegistry(newTestLogger())
	if err := reg.LoadDefaults(); err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	got := reg.Variants("CLAUDE_CODE")
	want := []string{DefaultVariant, "OPUS", "PLAN"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variant %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if got := reg.Variants("NOPE"); got != nil {
		t.Errorf("expected no variants for an unknown executor, got %v", got)
	}
}
