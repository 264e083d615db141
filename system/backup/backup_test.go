package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
)

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertAgent(ctx, &store.Agent{Kind: store.AgentKindFinance, State: store.AgentIdle, Enabled: true}))
	require.NoError(t, st.InsertTask(ctx, &store.Task{
		ID: "t1", OwnerAgent: store.AgentKindFinance, Title: "pay water bill",
		Priority: store.PriorityMedium, Status: store.TaskPending, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.InsertJob(ctx, &store.Job{
		ID: "j1", Name: "weekly-backup", Agent: store.AgentKindBackup,
		Frequency: store.FreqWeekly, Enabled: true, NextRun: time.Now().Add(time.Hour),
	}))
	require.NoError(t, st.InsertApproval(ctx, &store.Approval{
		ID: "a1", RequesterAgent: store.AgentKindFinance, Intent: "buy_appliance",
		Status: store.ApprovalPending, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour),
	}))
	require.NoError(t, st.InsertBackup(ctx, &store.SafeEditBackup{
		ID: "b1", TargetPath: "/tmp/notes.md", OriginalDigest: "d1", NewDigest: "d2",
		OriginalContent: []byte("sealed-bytes"), Timestamp: time.Now(),
		AppliedBy: store.AgentKindJanitor, Status: store.BackupApplied,
	}))
	_, err := st.AppendEvent(ctx, &store.Event{Type: "task.created", Severity: store.SeverityNormal, Source: "test", CorrelationID: "cid-1"})
	require.NoError(t, err)
	_, err = st.AppendAudit(ctx, &store.AuditRecord{ActorAgent: store.AgentKindFinance, Action: "intent.auto", CorrelationID: "cid-1"})
	require.NoError(t, err)
}

func TestExportRestore_RoundTripsEntitiesAndStreams(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	seed(t, src)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, "", &buf))

	dst := memstore.New()
	require.NoError(t, Restore(ctx, dst, "", &buf))

	task, err := dst.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pay water bill", task.Title)

	job, err := dst.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.FreqWeekly, job.Frequency)

	approvals, err := dst.ListApprovals(ctx, store.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	edit, err := dst.GetBackup(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-bytes"), edit.OriginalContent, "at-rest backup content must survive the round trip")

	events, err := dst.ListEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task.created", events[0].Type)

	audit, err := dst.ListAudit(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "intent.auto", audit[0].Action)
}

func TestExportRestore_RoundTripsDataRootFiles(t *testing.T) {
	ctx := context.Background()
	srcRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "backups"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "backups", "note.txt"), []byte("original"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, memstore.New(), srcRoot, &buf))

	dstRoot := t.TempDir()
	require.NoError(t, Restore(ctx, memstore.New(), dstRoot, &buf))

	got, err := os.ReadFile(filepath.Join(dstRoot, "backups", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestRestore_RejectsArchiveWithoutManifest(t *testing.T) {
	// A valid gzip stream containing an empty tar: no manifest entry.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err := Restore(context.Background(), memstore.New(), "", &buf)
	assert.Error(t, err)
}
