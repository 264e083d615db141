// Package backup implements the export/restore pair over the household
// OS's persisted state (§6 "layout must be round-trippable via a backup
// export / backup restore pair"): every Store entity, both append-only
// streams, the current policy snapshot, and the DATA_ROOT file tree are
// written to (and read back from) a single gzip-compressed tar archive.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hearth-os/hearth/system/store"
)

// streamPageSize bounds how many stream rows are read per page while
// exporting; the archive itself is unbounded.
const streamPageSize = 500

// manifest is the archive's self-description, written first so Restore can
// refuse archives produced by an incompatible layout version.
type manifest struct {
	FormatVersion int       `json:"format_version"`
	ExportedAt    time.Time `json:"exported_at"`
}

const formatVersion = 1

// sealedBackup wraps a SafeEditBackup with its at-rest original content,
// which the entity's own JSON shape deliberately omits from wire output.
type sealedBackup struct {
	Record  *store.SafeEditBackup `json:"record"`
	Content []byte                `json:"content"`
}

// Export writes the full persisted state as a tar.gz archive to w:
// a manifest, one JSON document per entity collection, one JSON-lines
// document per append-only stream, the policy snapshot, and (when dataRoot
// names an existing directory) every regular file under it.
func Export(ctx context.Context, st store.Store, dataRoot string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	if err := writeJSONEntry(tw, "manifest.json", manifest{FormatVersion: formatVersion, ExportedAt: time.Now()}); err != nil {
		return err
	}

	agents, err := st.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("backup: list agents: %w", err)
	}
	if err := writeJSONEntry(tw, "entities/agents.json", agents); err != nil {
		return err
	}

	tasks, err := st.ListTasks(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("backup: list tasks: %w", err)
	}
	if err := writeJSONEntry(tw, "entities/tasks.json", tasks); err != nil {
		return err
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("backup: list jobs: %w", err)
	}
	if err := writeJSONEntry(tw, "entities/jobs.json", jobs); err != nil {
		return err
	}

	approvals, err := st.ListApprovals(ctx, "")
	if err != nil {
		return fmt.Errorf("backup: list approvals: %w", err)
	}
	if err := writeJSONEntry(tw, "entities/approvals.json", approvals); err != nil {
		return err
	}

	edits, err := st.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("backup: list safe-edit backups: %w", err)
	}
	sealed := make([]sealedBackup, 0, len(edits))
	for _, b := range edits {
		sealed = append(sealed, sealedBackup{Record: b, Content: b.OriginalContent})
	}
	if err := writeJSONEntry(tw, "entities/safeedit_backups.json", sealed); err != nil {
		return err
	}

	policy, err := st.CurrentPolicy(ctx)
	if err != nil {
		return fmt.Errorf("backup: read policy: %w", err)
	}
	if err := writeJSONEntry(tw, "policy.json", policy); err != nil {
		return err
	}

	if err := writeEventStream(ctx, st, tw); err != nil {
		return err
	}
	if err := writeAuditStream(ctx, st, tw); err != nil {
		return err
	}

	if dataRoot != "" {
		if err := writeFileTree(tw, dataRoot); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Restore reads an Export archive from r, re-inserting every entity and
// stream row into st (sequence numbers are reassigned in original order)
// and re-creating the DATA_ROOT file tree when dataRoot is non-empty.
// Intended for an empty target store; existing rows with colliding IDs
// surface the Store's usual constraint errors.
func Restore(ctx context.Context, st store.Store, dataRoot string, r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	sawManifest := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("backup: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("backup: read %s: %w", hdr.Name, err)
		}

		switch {
		case hdr.Name == "manifest.json":
			var m manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("backup: parse manifest: %w", err)
			}
			if m.FormatVersion != formatVersion {
				return fmt.Errorf("backup: unsupported archive format version %d", m.FormatVersion)
			}
			sawManifest = true
		case hdr.Name == "entities/agents.json":
			err = restoreAgents(ctx, st, data)
		case hdr.Name == "entities/tasks.json":
			err = restoreTasks(ctx, st, data)
		case hdr.Name == "entities/jobs.json":
			err = restoreJobs(ctx, st, data)
		case hdr.Name == "entities/approvals.json":
			err = restoreApprovals(ctx, st, data)
		case hdr.Name == "entities/safeedit_backups.json":
			err = restoreSafeEditBackups(ctx, st, data)
		case hdr.Name == "policy.json":
			err = restorePolicy(ctx, st, data)
		case hdr.Name == "streams/events.jsonl":
			err = restoreEvents(ctx, st, data)
		case hdr.Name == "streams/audit.jsonl":
			err = restoreAudit(ctx, st, data)
		case strings.HasPrefix(hdr.Name, "files/"):
			err = restoreFile(dataRoot, strings.TrimPrefix(hdr.Name, "files/"), data)
		}
		if err != nil {
			return fmt.Errorf("backup: restore %s: %w", hdr.Name, err)
		}
	}
	if !sawManifest {
		return fmt.Errorf("backup: archive carries no manifest")
	}
	return nil
}

func writeJSONEntry(tw *tar.Writer, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encode %s: %w", name, err)
	}
	return writeRawEntry(tw, name, data)
}

func writeRawEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("backup: write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("backup: write %s: %w", name, err)
	}
	return nil
}

func writeEventStream(ctx context.Context, st store.Store, tw *tar.Writer) error {
	var buf strings.Builder
	var sinceSeq int64
	for {
		page, err := st.ListEvents(ctx, sinceSeq, streamPageSize)
		if err != nil {
			return fmt.Errorf("backup: list events: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			line, err := json.Marshal(e)
			if err != nil {
				return err
			}
			buf.Write(line)
			buf.WriteByte('\n')
			sinceSeq = e.Seq
		}
		if len(page) < streamPageSize {
			break
		}
	}
	return writeRawEntry(tw, "streams/events.jsonl", []byte(buf.String()))
}

func writeAuditStream(ctx context.Context, st store.Store, tw *tar.Writer) error {
	var buf strings.Builder
	var sinceSeq int64
	for {
		page, err := st.ListAudit(ctx, sinceSeq, streamPageSize)
		if err != nil {
			return fmt.Errorf("backup: list audit: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			line, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			buf.Write(line)
			buf.WriteByte('\n')
			sinceSeq = rec.Seq
		}
		if len(page) < streamPageSize {
			break
		}
	}
	return writeRawEntry(tw, "streams/audit.jsonl", []byte(buf.String()))
}

// writeFileTree copies every regular file under root into the archive as
// files/<relative path>, skipping anything unreadable rather than failing
// the whole export.
func writeFileTree(tw *tar.Writer, root string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		return writeRawEntry(tw, "files/"+filepath.ToSlash(rel), data)
	})
}

func restoreAgents(ctx context.Context, st store.Store, data []byte) error {
	var agents []*store.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return err
	}
	for _, a := range agents {
		a.Version = 0
		if err := st.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func restoreTasks(ctx context.Context, st store.Store, data []byte) error {
	var tasks []*store.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := st.InsertTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func restoreJobs(ctx context.Context, st store.Store, data []byte) error {
	var jobs []*store.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := st.InsertJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func restoreApprovals(ctx context.Context, st store.Store, data []byte) error {
	var approvals []*store.Approval
	if err := json.Unmarshal(data, &approvals); err != nil {
		return err
	}
	for _, a := range approvals {
		if err := st.InsertApproval(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func restoreSafeEditBackups(ctx context.Context, st store.Store, data []byte) error {
	var sealed []sealedBackup
	if err := json.Unmarshal(data, &sealed); err != nil {
		return err
	}
	for _, s := range sealed {
		b := s.Record
		b.OriginalContent = s.Content
		if err := st.InsertBackup(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func restorePolicy(ctx context.Context, st store.Store, data []byte) error {
	var p store.PolicySnapshot
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	return st.InstallPolicy(ctx, &p)
}

func restoreEvents(ctx context.Context, st store.Store, data []byte) error {
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e store.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return err
		}
		if _, err := st.AppendEvent(ctx, &e); err != nil {
			return err
		}
	}
	return nil
}

func restoreAudit(ctx context.Context, st store.Store, data []byte) error {
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec store.AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return err
		}
		if _, err := st.AppendAudit(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}

func restoreFile(dataRoot, rel string, data []byte) error {
	if dataRoot == "" {
		return nil
	}
	dest := filepath.Join(dataRoot, filepath.FromSlash(rel))
	if !strings.HasPrefix(filepath.Clean(dest), filepath.Clean(dataRoot)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry escapes data root: %s", rel)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
