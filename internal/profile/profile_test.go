package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestLoadSource_SettingsAndHooks(t *testing.T) {
	t.Parallel()

	src := []byte(`
settings {
  port               = 8022
  host_key_algorithm = "ssh-mldsa44"
  skip_tests         = true
  retry_backoff      = 1.5
}

hook "pre" "os-packages" {
  command = "apt-get"
  args    = ["install", "-y", "cmake"]
}

hook "post" "banner" {
  command = "uname"
  args    = ["-a"]
  dir     = "/tmp"
}
`)

	p, err := LoadSource(src, "profile.hcl", nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"port":               8022,
		"host_key_algorithm": "ssh-mldsa44",
		"skip_tests":         true,
		"retry_backoff":      1.5,
	}, p.Settings)

	require.Len(t, p.PreHooks, 1)
	assert.Equal(t, "os-packages", p.PreHooks[0].Name)
	assert.Equal(t, "apt-get", p.PreHooks[0].Command)
	assert.Equal(t, []string{"install", "-y", "cmake"}, p.PreHooks[0].Args)

	require.Len(t, p.PostHooks, 1)
	assert.Equal(t, "banner", p.PostHooks[0].Name)
	assert.Equal(t, "/tmp", p.PostHooks[0].Dir)
}

func TestLoadSource_VariablesInExpressions(t *testing.T) {
	t.Parallel()

	src := []byte(`
settings {
  build_dir = "${prefix}/src"
}

hook "post" "version" {
  command = "${prefix}/bin/ssh"
  args    = ["-V"]
}
`)
	vars := map[string]cty.Value{"prefix": cty.StringVal("/opt/pq-ssh")}

	p, err := LoadSource(src, "profile.hcl", vars)
	require.NoError(t, err)

	assert.Equal(t, "/opt/pq-ssh/src", p.Settings["build_dir"])
	require.Len(t, p.PostHooks, 1)
	assert.Equal(t, "/opt/pq-ssh/bin/ssh", p.PostHooks[0].Command)
}

func TestLoadSource_EmptyProfile(t *testing.T) {
	t.Parallel()

	p, err := LoadSource([]byte(""), "empty.hcl", nil)
	require.NoError(t, err)
	assert.Empty(t, p.Settings)
	assert.Empty(t, p.PreHooks)
	assert.Empty(t, p.PostHooks)
}

func TestLoadSource_RejectsUnknownHookPhase(t *testing.T) {
	t.Parallel()

	src := []byte(`
hook "during" "oops" {
  command = "true"
}
`)
	_, err := LoadSource(src, "profile.hcl", nil)
	require.ErrorIs(t, err, ErrProfile)
	assert.Contains(t, err.Error(), `"during"`)
}

func TestLoadSource_RejectsMalformedHCL(t *testing.T) {
	t.Parallel()

	_, err := LoadSource([]byte(`settings {`), "broken.hcl", nil)
	require.ErrorIs(t, err, ErrProfile)
}

func TestLoadSource_RejectsUnsupportedSettingType(t *testing.T) {
	t.Parallel()

	src := []byte(`
settings {
  nested = ["a", "b"]
}
`)
	_, err := LoadSource(src, "profile.hcl", nil)
	require.ErrorIs(t, err, ErrProfile)
	assert.Contains(t, err.Error(), "nested")
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.hcl")
	require.NoError(t, os.WriteFile(path, []byte("settings {\n  port = 2400\n}\n"), 0o644))

	p, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2400, p.Settings["port"])
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.hcl"), nil)
	require.ErrorIs(t, err, ErrProfile)
}
