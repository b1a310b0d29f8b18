package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oqs-tools/pqsetup/internal/pipeline"
)

func TestLog_AppendsTimestampedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "install.log")

	log, err := OpenLog(path)
	require.NoError(t, err)

	log.Line("pipeline starting run_id=%s", "abc-123")
	log.RecordCommand("cmake", []string{"--version"}, 0, 42*time.Millisecond)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	// Every line starts with an RFC3339 timestamp.
	for _, line := range lines {
		fields := strings.SplitN(line, " ", 2)
		require.Len(t, fields, 2)
		_, err := time.Parse(time.RFC3339, fields[0])
		assert.NoError(t, err, "line %q", line)
	}
	assert.Contains(t, lines[0], "run_id=abc-123")
	assert.Contains(t, lines[1], `exec command="cmake"`)
	assert.Contains(t, lines[1], "exit_code=0")
}

func TestLog_ReopenAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "install.log")

	first, err := OpenLog(path)
	require.NoError(t, err)
	first.Line("first run")
	require.NoError(t, first.Close())

	second, err := OpenLog(path)
	require.NoError(t, err)
	second.Line("second run")
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first run", "an earlier run's log must survive")
	assert.Contains(t, string(data), "second run")
}

func TestLog_WriterSharesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "install.log")
	log, err := OpenLog(path)
	require.NoError(t, err)

	_, err = log.Writer().Write([]byte("raw handler output\n"))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "raw handler output\n", string(data))
}

func TestWrite_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reports", "report.json")
	started := time.Now().Add(-time.Minute).Truncate(time.Second)

	in := &Report{
		RunID:         "abc-123",
		Status:        "succeeded",
		StartedAt:     started,
		FinishedAt:    started.Add(time.Minute),
		Prefix:        "/opt/pq-ssh",
		LiboqsVersion: "0.12.0",
		LiboqsCommit:  "deadbeef",
		LogFile:       "/var/log/install.log",
		Steps: []pipeline.StepSnapshot{
			{Name: "validate", Status: "succeeded", Duration: 10 * time.Millisecond},
			{Name: "fetch-liboqs", Status: "failed", Error: "all sources failed"},
		},
	}
	require.NoError(t, Write(path, in))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out Report
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.RunID, out.RunID)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.LiboqsCommit, out.LiboqsCommit)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "fetch-liboqs", out.Steps[1].Name)
	assert.Equal(t, "all sources failed", out.Steps[1].Error)

	// Empty optional fields stay out of the document entirely.
	assert.NotContains(t, string(data), "ssh_commit")
	assert.Contains(t, string(data), "\n  \"run_id\"", "report is indented for human readers")
}
