// Package credentials collects the agent credentials forwarded into
// containerized execution processes.
package credentials

import (
	"os"
	"sort"
	"strings"
)

// knownAPIKeyPatterns contains patterns for known API key environment variables
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// EnvProvider provides credentials from environment variables. A variable
// named prefix+KEY is forwarded as KEY and wins over a bare KEY.
type EnvProvider struct {
	prefix  string
	environ func() []string
}

// NewEnvProvider creates a new environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix:  prefix,
		environ: os.Environ,
	}
}

// Name returns the provider name
func (p *EnvProvider) Name() string {
	return "environment"
}

// Get returns the value of a single credential.
func (p *EnvProvider) Get(key string) (string, bool) {
	env := p.Environment()
	v, ok := env[key]
	return v, ok
}

// Environment returns every forwardable credential: the known API key
// variables plus anything whose name looks like a key, token or secret.
func (p *EnvProvider) Environment() map[string]string {
	bare := make(map[string]string)
	prefixed := make(map[string]string)
	for _, kv := range p.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
			if isCredentialKey(key) {
				prefixed[key] = value
			}
			continue
		}
		if isCredentialKey(key) {
			bare[key] = value
		}
	}
	for k, v := range prefixed {
		bare[k] = v
	}
	return bare
}

// Keys lists the forwardable credential names, sorted.
func (p *EnvProvider) Keys() []string {
	env := p.Environment()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isCredentialKey(key string) bool {
	for _, known := range knownAPIKeyPatterns {
		if key == known {
			return true
		}
	}
	lower := strings.ToLower(key)
	return strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "apikey") ||
		strings.HasSuffix(lower, "_token") ||
		strings.HasSuffix(lower, "_secret")
}
