package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testJob() triage.Job {
	return triage.Job{
		ID:         "job-1",
		Capability: triage.Capability{OSName: "Linux", OSVersion: "20", CPUName: "x86"},
		URLs:       []string{"http://a.test/", "http://b.test/"},
	}
}

func TestCommandDecodesBatch(t *testing.T) {
	t.Parallel()
	requireShell(t)

	script := `printf '{"header":{"type":"result","url":"%s","product":"p","branch":"b","buildtype":"debug","os_name":"Linux","os_version":"20","cpu_name":"x86"},"details":[{"type":"result_crash","crash":"boom"}]}' "$1"`
	cmd := NewCommand("sh", []string{"-c", script, "harness"}, time.Second, nil)

	batch, err := cmd.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, triage.ResultRun, batch.Header.Type)
	assert.Equal(t, "http://a.test/", batch.Header.URL)
	require.Len(t, batch.Details, 1)
	assert.Equal(t, "boom", batch.Details[0].Crash)
}

func TestCommandWritesJobToStdin(t *testing.T) {
	t.Parallel()
	requireShell(t)

	script := `id=$(cat | sed -n 's/.*"id":"\([^"]*\)".*/\1/p'); printf '{"header":{"id":"%s"},"details":[]}' "$id"`
	cmd := NewCommand("sh", []string{"-c", script}, time.Second, nil)

	batch, err := cmd.Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "job-1", batch.Header.ID)
}

func TestCommandNonZeroExit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd := NewCommand("sh", []string{"-c", "echo harness exploded >&2; exit 3"}, time.Second, nil)
	_, err := cmd.Run(context.Background(), testJob())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHarness))
	assert.Contains(t, err.Error(), "harness exploded")
}

func TestCommandBadOutput(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd := NewCommand("sh", []string{"-c", "echo not json"}, time.Second, nil)
	_, err := cmd.Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrHarness)
	assert.Contains(t, err.Error(), "decode output")
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd := NewCommand("sh", []string{"-c", "sleep 5"}, 50*time.Millisecond, nil)
	_, err := cmd.Run(context.Background(), testJob())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewCommand("", nil, 0, nil).Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrHarness)
}

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()

	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
	assert.False(t, strings.Contains(b.String(), "e"))
	assert.True(t, b.truncated)

	exact := &limitedBuffer{max: 4}
	_, _ = exact.Write([]byte("abcd"))
	assert.False(t, exact.truncated)
	_, _ = exact.Write(nil)
	assert.False(t, exact.truncated)
}

func TestCommandRejectsOversizedOutput(t *testing.T) {
	t.Parallel()
	requireShell(t)

	script := `printf '{"header":{"type":"result"},"details":[]}'; head -c 4096 /dev/zero`
	cmd := NewCommand("sh", []string{"-c", script}, time.Second, nil)
	cmd.MaxOutput = 64

	_, err := cmd.Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrHarness)
	assert.Contains(t, err.Error(), "output exceeds 64 bytes")

	cmd.MaxOutput = 4096
	_, err = cmd.Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrHarness, "trailing bytes past the batch still count")
}
