package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/logging"
)

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		out = append(out, e)
	}
	return out
}

func newTestAudit(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewAuditLogger(path, 1, 1)
	require.NoError(t, err)
	return l, path
}

func TestAuditLogger_LiftsKnownFields(t *testing.T) {
	l, path := newTestAudit(t)
	require.NoError(t, l.Log(string(EventJobAssigned), map[string]interface{}{
		"tracking_id": "trk-1",
		"pipeline":    "build",
		"job_id":      "build/1/compile/1/compile",
		"build_id":    "7",
		"agent_uuid":  "agent-1",
		"counter":     3,
	}))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, "job_assigned", e.EventType)
	assert.Equal(t, "trk-1", e.TrackingID)
	assert.Equal(t, "build", e.Pipeline)
	assert.Equal(t, "build/1/compile/1/compile", e.JobID)
	assert.Equal(t, "7", e.BuildID)
	assert.Equal(t, "agent-1", e.AgentUUID)
	assert.Empty(t, e.Prev)
	assert.Len(t, e.Hash, 64)
}

func TestAuditLogger_ChainVerifies(t *testing.T) {
	l, path := newTestAudit(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(string(EventJobStatusChanged), map[string]interface{}{"pipeline": "build", "n": i}))
	}
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].Prev)
		assert.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}

	v, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.True(t, v.Intact())
	assert.Equal(t, 5, v.Entries)
}

func TestVerifyAuditLog_DetectsTampering(t *testing.T) {
	l, path := newTestAudit(t)
	for _, p := range []string{"build", "test", "deploy"} {
		require.NoError(t, l.Log(string(EventBuildCauseProduced), map[string]interface{}{"pipeline": p}))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"pipeline":"test"`, `"pipeline":"prod"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	v, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.False(t, v.Intact())
	assert.Equal(t, 2, v.BrokenAt)
}

func TestAuditLogger_ContinuesChainAfterReopen(t *testing.T) {
	l, path := newTestAudit(t)
	require.NoError(t, l.Log("first", nil))
	require.NoError(t, l.Close())

	reopened, err := NewAuditLogger(path, 1, 1)
	require.NoError(t, err)
	require.NoError(t, reopened.Log("second", nil))
	require.NoError(t, reopened.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Seq)
	v, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.True(t, v.Intact())
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	l, path := newTestAudit(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, l.Log(string(EventJobResult), map[string]interface{}{"n": n}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	v, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, Verification{Entries: 50}, v)
}

func TestAuditLogger_AttachRecordsBusEvents(t *testing.T) {
	l, path := newTestAudit(t)
	bus := NewBus(10, logging.Discard())
	detach := l.Attach(bus, EventLockStatusChanged, EventSchedulingRejected)

	bus.Publish(EventLockStatusChanged, map[string]interface{}{"pipeline": "deploy", "locked": true})
	bus.Publish(EventJobAssigned, map[string]interface{}{"pipeline": "ignored"})
	bus.Publish(EventSchedulingRejected, map[string]interface{}{"pipeline": "deploy", "code": 409})

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(path)
		return strings.Count(string(data), "\n") == 2
	}, time.Second, 5*time.Millisecond)
	detach()
	bus.Close()
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	types := []string{entries[0].EventType, entries[1].EventType}
	assert.ElementsMatch(t, []string{"lock_status_changed", "scheduling_rejected"}, types)
}
