package keys

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqs-tools/pqsetup/internal/execx"
)

// fakeKeygen writes a shell stand-in for ssh-keygen that records its
// arguments and creates both key halves with world-readable modes, so the
// permission discipline is observably enforced afterwards.
func fakeKeygen(t *testing.T) (command, argsFile string) {
	t.Helper()

	dir := t.TempDir()
	command = filepath.Join(dir, "fake-keygen")
	argsFile = filepath.Join(dir, "args")

	script := `#!/bin/sh
printf '%s\n' "$@" > "` + argsFile + `"
keyfile=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-f" ]; then keyfile="$2"; fi
  shift
done
printf 'PRIVATE KEY MATERIAL\n' > "$keyfile"
printf 'PUBLIC KEY MATERIAL\n' > "$keyfile.pub"
chmod 644 "$keyfile" "$keyfile.pub"
`
	require.NoError(t, os.WriteFile(command, []byte(script), 0o755))
	return command, argsFile
}

func fileMode(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Mode().Perm()
}

func TestGenerate_FreshPair(t *testing.T) {
	command, argsFile := fakeKeygen(t)
	private := filepath.Join(t.TempDir(), "etc", "ssh_host_key")

	manager := NewManager(execx.NewRunner())
	pair, err := manager.Generate(context.Background(), Spec{
		Command:     command,
		Algorithm:   "ssh-falcon512",
		PrivatePath: private,
		Comment:     "host@example",
	})
	require.NoError(t, err)

	assert.Equal(t, private, pair.PrivatePath)
	assert.Equal(t, private+".pub", pair.PublicPath)
	assert.False(t, pair.Reused)
	assert.Empty(t, pair.Backups)

	assert.Equal(t, PrivateMode, fileMode(t, pair.PrivatePath), "private key must be owner-only")
	assert.Equal(t, PublicMode, fileMode(t, pair.PublicPath))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "ssh-falcon512", "algorithm is passed through verbatim")
	assert.Contains(t, string(args), "host@example")
}

func TestGenerate_SkipIfExistsKeepsPair(t *testing.T) {
	command, _ := fakeKeygen(t)
	private := filepath.Join(t.TempDir(), "ssh_host_key")

	require.NoError(t, os.WriteFile(private, []byte("existing private\n"), 0o644))
	require.NoError(t, os.WriteFile(private+".pub", []byte("existing public\n"), 0o600))

	manager := NewManager(execx.NewRunner())
	pair, err := manager.Generate(context.Background(), Spec{
		Command:      command,
		Algorithm:    "ssh-falcon512",
		PrivatePath:  private,
		SkipIfExists: true,
	})
	require.NoError(t, err)

	assert.True(t, pair.Reused)

	content, err := os.ReadFile(private)
	require.NoError(t, err)
	assert.Equal(t, "existing private\n", string(content), "existing key material stays untouched")

	// Permission discipline applies even to a kept pair.
	assert.Equal(t, PrivateMode, fileMode(t, private))
	assert.Equal(t, PublicMode, fileMode(t, private+".pub"))
}

func TestGenerate_BacksUpReplacedPair(t *testing.T) {
	command, _ := fakeKeygen(t)
	dir := t.TempDir()
	private := filepath.Join(dir, "ssh_host_key")

	require.NoError(t, os.WriteFile(private, []byte("old private\n"), 0o600))
	require.NoError(t, os.WriteFile(private+".pub", []byte("old public\n"), 0o644))

	manager := NewManager(execx.NewRunner())
	pair, err := manager.Generate(context.Background(), Spec{
		Command:     command,
		Algorithm:   "ssh-falcon512",
		PrivatePath: private,
	})
	require.NoError(t, err)

	assert.False(t, pair.Reused)
	require.Len(t, pair.Backups, 2, "both halves of the replaced pair are preserved")
	for _, backup := range pair.Backups {
		assert.FileExists(t, backup)
	}

	old, err := os.ReadFile(pair.Backups[0])
	require.NoError(t, err)
	assert.Equal(t, "old private\n", string(old))

	fresh, err := os.ReadFile(private)
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE KEY MATERIAL\n", string(fresh))
}

func TestGenerate_CommandFailure(t *testing.T) {
	dir := t.TempDir()
	command := filepath.Join(dir, "broken-keygen")
	script := "#!/bin/sh\necho 'unknown key type' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(command, []byte(script), 0o755))

	manager := NewManager(execx.NewRunner())
	_, err := manager.Generate(context.Background(), Spec{
		Command:     command,
		Algorithm:   "bogus-alg",
		PrivatePath: filepath.Join(dir, "key"),
	})
	require.ErrorIs(t, err, ErrKeygen)
	assert.Contains(t, err.Error(), "unknown key type", "the tool's error output must surface")
}
