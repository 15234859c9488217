package obs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLogEmitWritesDailyAndMirror(t *testing.T) {
	dir := t.TempDir()
	al, err := NewAuditLog(dir)
	require.NoError(t, err)
	defer al.Close()

	jobAudit := filepath.Join(dir, "jobs", "job-1", "audit.jsonl")
	err = al.Emit(AuditEvent{
		Event:      EventJobCreate,
		Outcome:    OutcomeSuccess,
		UserID:     "u1",
		ResourceID: "job-1",
	}, jobAudit)
	require.NoError(t, err)

	mirror := filepath.Join(dir, "audit.jsonl")
	requireLineCount(t, mirror, 1)
	requireLineCount(t, jobAudit, 1)

	entries, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	requireLineCount(t, entries[0], 1)
}

func requireLineCount(t *testing.T, path string, want int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		n++
	}
	require.Equal(t, want, n)
}
