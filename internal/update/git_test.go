package update

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

func TestNewGitRejectsInvalidNames(t *testing.T) {
	cases := []struct {
		name   string
		remote string
		branch string
	}{
		{"remote with shell metacharacters", "origin;rm -rf /", "main"},
		{"remote with space", "my remote", "main"},
		{"empty remote", "", "main"},
		{"branch with space", "origin", "feature branch"},
		{"branch with dots", "origin", "../escape"},
		{"empty branch", "origin", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGit(&conf.UpdateSettings{GitRemote: tc.remote, GitBranch: tc.branch})
			require.Error(t, err)
			assert.True(t, errors.HasCategory(err, errors.CategoryConfiguration))
		})
	}
}

func TestNewGitAcceptsValidNames(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	g, err := NewGit(&conf.UpdateSettings{
		GitRemote: "origin",
		GitBranch: "release/v2_1-stable",
		RepoDir:   t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, "origin", g.remote)
	assert.Equal(t, "release/v2_1-stable", g.branch)
}
