package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesCommandListsVariants(t *testing.T) {
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", t.TempDir(), "profiles"})

	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "EXECUTOR"))

	var planLine string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "CLAUDE_CODE" && fields[1] == "PLAN" {
			planLine = line
		}
	}
	require.NotEmpty(t, planLine, "missing CLAUDE_CODE PLAN row in:\n%s", out.String())
	assert.Contains(t, planLine, "--permission-mode=plan")
}

func TestRootCommandVersion(t *testing.T) {
	cmd := newRootCmd("")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestServeRejectsArguments(t *testing.T) {
	cmd := newRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "extra"})

	assert.Error(t, cmd.Execute())
}
