package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestProvider(prefix string, environ ...string) *EnvProvider {
	p := NewEnvProvider(prefix)
	p.environ = func() []string { return environ }
	return p
}

func TestEnvironmentForwardsCredentialsOnly(t *testing.T) {
	p := newTestProvider("ANYON_",
		"ANTHROPIC_API_KEY=sk-1",
		"CUSTOM_SERVICE_TOKEN=tok",
		"HOME=/root",
		"PATH=/usr/bin",
		"EMPTY_API_KEY=",
	)

	env := p.Environment()
	assert.Equal(t, map[string]string{
		"ANTHROPIC_API_KEY":    "sk-1",
		"CUSTOM_SERVICE_TOKEN": "tok",
	}, env)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "CUSTOM_SERVICE_TOKEN"}, p.Keys())
}

func TestPrefixedVariableWins(t *testing.T) {
	p := newTestProvider("ANYON_",
		"ANYON_OPENAI_API_KEY=prefixed",
		"OPENAI_API_KEY=bare",
		"ANYON_DB_DRIVER=sqlite",
	)

	v, ok := p.Get("OPENAI_API_KEY")
	assert.True(t, ok)
	assert.Equal(t, "prefixed", v)

	_, ok = p.Get("DB_DRIVER")
	assert.False(t, ok)
}

func TestReadsProcessEnvironment(t *testing.T) {
	t.Setenv("ANYON_GITHUB_TOKEN", "gh-1")

	v, ok := NewEnvProvider("ANYON_").Get("GITHUB_TOKEN")
	assert.True(t, ok)
	assert.Equal(t, "gh-1", v)
	assert.Equal(t, "environment", NewEnvProvider("").Name())
}
