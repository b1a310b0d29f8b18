package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqs-tools/pqsetup/internal/execx"
)

func TestRender(t *testing.T) {
	t.Parallel()

	t.Run("substitutes supplied placeholders", func(t *testing.T) {
		t.Parallel()
		out, err := Render("Port {{PORT}}", map[string]string{"PORT": "8022"})
		require.NoError(t, err)
		assert.Equal(t, "Port 8022", out)
	})

	t.Run("missing value is an error naming the placeholder", func(t *testing.T) {
		t.Parallel()
		_, err := Render("Port {{PORT}}", map[string]string{})
		require.ErrorIs(t, err, ErrUnresolvedPlaceholder)
		assert.Contains(t, err.Error(), "PORT")
	})

	t.Run("all missing placeholders are reported once, sorted", func(t *testing.T) {
		t.Parallel()
		_, err := Render("{{B}} {{A}} {{B}}", nil)
		require.ErrorIs(t, err, ErrUnresolvedPlaceholder)
		assert.Contains(t, err.Error(), "A, B")
	})

	t.Run("text without placeholders passes through", func(t *testing.T) {
		t.Parallel()
		out, err := Render("PermitRootLogin no", map[string]string{"PORT": "22"})
		require.NoError(t, err)
		assert.Equal(t, "PermitRootLogin no", out)
	})
}

// TestRenderRoundTrip renders key-value directives and re-parses them,
// recovering every supplied value.
func TestRenderRoundTrip(t *testing.T) {
	t.Parallel()

	values := map[string]string{
		"PORT":     "8022",
		"HOST_KEY": "/opt/pq-ssh/etc/ssh_host_key",
		"KEX":      "kyber-512-sha256",
	}
	out, err := Render("PORT {{PORT}}\nHOST_KEY {{HOST_KEY}}\nKEX {{KEX}}\n", values)
	require.NoError(t, err)

	parsed := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, " ", 2)
		require.Len(t, parts, 2)
		parsed[parts[0]] = parts[1]
	}
	assert.Equal(t, values, parsed)
}

func TestWrite(t *testing.T) {
	t.Parallel()
	runner := execx.NewRunner()

	t.Run("installs rendered file with requested mode", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sshd_config")

		backup, err := Write(context.Background(), runner, File{
			Template: "Port {{PORT}}\n",
			Values:   map[string]string{"PORT": "8022"},
			Path:     path,
			Mode:     0o644,
		})
		require.NoError(t, err)
		assert.Empty(t, backup, "no backup expected for a fresh file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "Port 8022\n", string(data))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	})

	t.Run("existing file is backed up before replacement", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sshd_config")
		require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

		backup, err := Write(context.Background(), runner, File{
			Template: "new\n",
			Values:   nil,
			Path:     path,
			Mode:     0o644,
		})
		require.NoError(t, err)
		require.NotEmpty(t, backup)

		old, err := os.ReadFile(backup)
		require.NoError(t, err)
		assert.Equal(t, "old\n", string(old))

		current, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "new\n", string(current))
	})

	t.Run("failed self-test leaves the final path untouched", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sshd_config")
		require.NoError(t, os.WriteFile(path, []byte("untouched\n"), 0o644))

		_, err := Write(context.Background(), runner, File{
			Template: "broken\n",
			Values:   nil,
			Path:     path,
			Mode:     0o644,
			SelfTest: &execx.Command{Name: "false"},
		})
		require.ErrorIs(t, err, ErrValidationCommand)

		current, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "untouched\n", string(current))
	})

	t.Run("self-test sees the candidate file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sshd_config")

		// grep -q validates the candidate's content before the move.
		_, err := Write(context.Background(), runner, File{
			Template: "Port {{PORT}}\n",
			Values:   map[string]string{"PORT": "8022"},
			Path:     path,
			Mode:     0o644,
			SelfTest: &execx.Command{Name: "grep", Args: []string{"-q", "Port 8022", FileSelfTestMarker}},
		})
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("unresolved placeholder writes nothing", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sshd_config")

		_, err := Write(context.Background(), runner, File{
			Template: "Port {{PORT}}\n",
			Values:   nil,
			Path:     path,
			Mode:     0o644,
		})
		require.ErrorIs(t, err, ErrUnresolvedPlaceholder)
		assert.NoFileExists(t, path)
	})
}
