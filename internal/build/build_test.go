package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqs-tools/pqsetup/internal/execx"
)

func stageRecorder(t *testing.T, name string, logFile string) *execx.Command {
	t.Helper()
	return &execx.Command{
		Name: "sh",
		Args: []string{"-c", "echo " + name + " >> " + logFile + "; pwd >> " + logFile},
	}
}

func TestRun_StagesInOrderFromSourceDir(t *testing.T) {
	t.Parallel()

	sourceDir := t.TempDir()
	logFile := filepath.Join(t.TempDir(), "stages.log")

	builder := New(execx.NewRunner())
	err := builder.Run(context.Background(), Plan{
		Name:      "liboqs",
		SourceDir: sourceDir,
		Configure: stageRecorder(t, "configure", logFile),
		Compile:   stageRecorder(t, "compile", logFile),
		Install:   stageRecorder(t, "install", logFile),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(sourceDir)
	require.NoError(t, err)
	want := "configure\n" + resolved + "\ncompile\n" + resolved + "\ninstall\n" + resolved + "\n"
	assert.Equal(t, want, string(data), "stages run in order, each from the source directory")
}

func TestRun_SkipsNilStages(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "stages.log")

	builder := New(execx.NewRunner())
	err := builder.Run(context.Background(), Plan{
		Name:      "header-only",
		SourceDir: t.TempDir(),
		Compile:   stageRecorder(t, "compile", logFile),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "compile")
	assert.NotContains(t, string(data), "configure")
}

func TestRun_FirstFailureAborts(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "stages.log")

	builder := New(execx.NewRunner())
	err := builder.Run(context.Background(), Plan{
		Name:      "openssh",
		SourceDir: t.TempDir(),
		Configure: &execx.Command{
			Name: "sh",
			Args: []string{"-c", "echo 'configure: error: liboqs not found' >&2; exit 1"},
		},
		Compile: stageRecorder(t, "compile", logFile),
	})
	require.ErrorIs(t, err, ErrBuild)
	assert.Contains(t, err.Error(), "openssh configure stage")
	assert.Contains(t, err.Error(), "liboqs not found", "captured error output must surface")
	assert.NoFileExists(t, logFile, "later stages must not run after a failure")
}

func TestRun_CompileTimeoutApplies(t *testing.T) {
	t.Parallel()

	builder := New(execx.NewRunner())
	start := time.Now()
	err := builder.Run(context.Background(), Plan{
		Name:           "slow",
		SourceDir:      t.TempDir(),
		Compile:        &execx.Command{Name: "sleep", Args: []string{"30"}},
		CompileTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrBuild)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_MissingArtifacts(t *testing.T) {
	t.Parallel()

	prefix := t.TempDir()
	present := filepath.Join(prefix, "lib", "liboqs.a")
	require.NoError(t, os.MkdirAll(filepath.Dir(present), 0o755))
	require.NoError(t, os.WriteFile(present, []byte("archive"), 0o644))

	missing := filepath.Join(prefix, "include", "oqs", "oqs.h")

	builder := New(execx.NewRunner())
	err := builder.Run(context.Background(), Plan{
		Name:              "liboqs",
		SourceDir:         t.TempDir(),
		ExpectedArtifacts: []string{present, missing},
	})
	require.ErrorIs(t, err, ErrArtifactMissing)
	assert.Contains(t, err.Error(), missing)
	assert.NotContains(t, err.Error(), present, "only missing paths are reported")
}

func TestLastLines(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", lastLines("", 3))
	assert.Equal(t, "a\nb", lastLines("a\nb", 3))
	assert.Equal(t, "c\nd\ne", lastLines("a\nb\nc\nd\ne\n", 3))
}
