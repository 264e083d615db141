// Package safeedit implements C6: the stage/apply/rollback protocol every
// agent must use to mutate a file the household OS manages on disk.
// Grounded on internal/crypto.DeriveKey's HKDF-SHA256 pattern for
// backup-at-rest key derivation and the teacher's write-then-rename atomic
// replace idiom used throughout its config writers.
package safeedit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/hearth-os/hearth/pkg/herrors"
	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/store"
)

// forbiddenPatterns reject targets outside any managed edit surface
// (secrets, the backup store itself, anything under a dotfile directory).
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.git(/|$)`),
	regexp.MustCompile(`(^|/)\.ssh(/|$)`),
	regexp.MustCompile(`(^|/)\.env($|\.)`),
	regexp.MustCompile(`(^|/)secrets?(/|$)`),
}

// maxContentBytes bounds a staged edit's size (§4.6 step 2: "size bound
// (default 100 KB) enforced").
const maxContentBytes = 100 * 1024

// forbiddenContentPatterns reject new_content carrying a destructive shell
// command, a credential-shaped token, or an arbitrary code-execution
// construct, independent of the target-path check above.
var forbiddenContentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile("(?i)`[^`]*`"), // inline shell-command substitution
}

// validateContent enforces §4.6 step 2's content-type checks: a size bound
// and forbidden-pattern rejection, distinct from validateTarget's path
// checks.
func validateContent(content []byte) error {
	if len(content) > maxContentBytes {
		return herrors.OutOfRange("new_content", 0, maxContentBytes)
	}
	for _, re := range forbiddenContentPatterns {
		if re.Match(content) {
			return herrors.PolicyDenied("safeedit: new_content matches a forbidden pattern")
		}
	}
	return nil
}

// validateStructured enforces the rest of §4.6 step 2: structured text must
// parse. The target's extension declares its content type; unstructured
// targets (.md, .txt, anything unrecognized) skip the probe.
func validateStructured(target string, content []byte) error {
	switch strings.ToLower(filepath.Ext(target)) {
	case ".json":
		if !json.Valid(content) {
			return herrors.InvalidFormat("new_content", "valid JSON")
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(content, &v); err != nil {
			return herrors.InvalidFormat("new_content", "valid YAML")
		}
	}
	return nil
}

// Service implements the stage -> apply -> (optional) rollback protocol.
// Every staged edit is backed by an encrypted copy of the original content
// so rollback never depends on the filesystem still holding it.
type Service struct {
	st        store.Store
	b         *bus.Bus
	log       *logger.Logger
	masterKey []byte
}

// New creates a Service. masterKey is the root secret backups are encrypted
// under via HKDF-SHA256 per-backup key derivation (never stored itself).
func New(st store.Store, b *bus.Bus, log *logger.Logger, masterKey []byte) *Service {
	return &Service{st: st, b: b, log: log, masterKey: masterKey}
}

// Stage validates targetPath and newContent, computes digests, and persists
// a SafeEditBackup record in status "staged" without touching the
// filesystem yet. The returned backup ID is passed to Apply. correlationID
// threads the backup back to the directive/incident chain that produced it
// (§8 audit trace, §4.6 step 5's open-incident retention exception).
func (s *Service) Stage(ctx context.Context, appliedBy store.AgentKind, targetPath string, newContent []byte, correlationID string) (*store.SafeEditBackup, error) {
	if err := validateTarget(targetPath); err != nil {
		return nil, err
	}
	if err := validateContent(newContent); err != nil {
		return nil, err
	}
	if err := validateStructured(targetPath, newContent); err != nil {
		return nil, err
	}
	original, err := os.ReadFile(targetPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, herrors.StorageUnavailable(fmt.Errorf("safeedit: read %s: %w", targetPath, err))
	}

	id := uuid.NewString()
	sealed, err := s.EncryptForRest(id, original)
	if err != nil {
		return nil, fmt.Errorf("safeedit: encrypt backup at rest: %w", err)
	}

	b := &store.SafeEditBackup{
		ID:              id,
		TargetPath:      targetPath,
		OriginalDigest:  digest(original),
		OriginalContent: sealed,
		NewDigest:       digest(newContent),
		Timestamp:       time.Now(),
		AppliedBy:       appliedBy,
		Status:          store.BackupStaged,
		CorrelationID:   correlationID,
		Version:         1,
	}
	if err := s.st.InsertBackup(ctx, b); err != nil {
		return nil, err
	}
	s.publish(ctx, "safeedit.staged", b)
	return b, nil
}

// Apply atomically replaces the target file's content with newContent
// (write-to-temp-then-rename so a crash mid-write never leaves a partial
// file) and marks the backup applied. Callers must have obtained policy
// clearance for the Intent before calling Apply.
func (s *Service) Apply(ctx context.Context, backupID string, newContent []byte) (*store.SafeEditBackup, error) {
	b, err := s.st.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status != store.BackupStaged {
		return nil, herrors.InvariantViolation(fmt.Sprintf("safeedit: backup %s is not staged", backupID))
	}
	if digest(newContent) != b.NewDigest {
		return nil, herrors.InvariantViolation("safeedit: content digest mismatch between stage and apply")
	}

	if err := atomicWrite(b.TargetPath, newContent); err != nil {
		return nil, herrors.StorageUnavailable(fmt.Errorf("safeedit: apply %s: %w", b.TargetPath, err))
	}

	b.Status = store.BackupApplied
	if err := s.st.UpdateBackupIfVersion(ctx, b); err != nil {
		return nil, err
	}
	s.publish(ctx, "safeedit.applied", b)
	return b, nil
}

// Rollback restores the target file to the backup's original content,
// decrypting it if it was encrypted at rest, and marks the backup
// rolled_back. Idempotent: rolling back a staged (never-applied) backup is
// a no-op beyond the status transition.
func (s *Service) Rollback(ctx context.Context, backupID string) (*store.SafeEditBackup, error) {
	b, err := s.st.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Status == store.BackupRolledBack {
		return b, nil
	}
	if b.Status == store.BackupApplied {
		original, err := s.DecryptFromRest(b.ID, b.OriginalContent)
		if err != nil {
			return nil, fmt.Errorf("safeedit: decrypt backup at rest: %w", err)
		}
		if err := atomicWrite(b.TargetPath, original); err != nil {
			return nil, herrors.StorageUnavailable(fmt.Errorf("safeedit: rollback %s: %w", b.TargetPath, err))
		}
	}
	b.Status = store.BackupRolledBack
	if err := s.st.UpdateBackupIfVersion(ctx, b); err != nil {
		return nil, err
	}
	s.publish(ctx, "safeedit.rolled_back", b)
	return b, nil
}

// Prune removes applied/rolled-back backups older than retentionDays,
// keeping anything still staged regardless of age, and keeping anything
// whose correlation_id is referenced by an open incident (§4.6 step 5:
// "unless referenced by an open incident").
func (s *Service) Prune(ctx context.Context, retentionDays int) (int, error) {
	return s.st.PruneBackups(ctx, retentionDays, func(id string) bool {
		return s.shouldKeep(ctx, id)
	})
}

// shouldKeep reports whether a backup due for pruning must survive anyway:
// it is still staged, or its correlation chain carries an incident.opened
// event — the closest thing this system has to a persisted Incident record
// (§3's Data Model has no Incident entity; §4.8 incidents are tracked only
// by the event stream and the Supervisor's in-memory counter). An incident
// never gets an explicit "closed" event of its own, so once opened a
// correlation chain's backups are retained for good — a deliberate bias
// toward over-retention for anything an incident ever touched.
func (s *Service) shouldKeep(ctx context.Context, id string) bool {
	b, err := s.st.GetBackup(ctx, id)
	if err != nil {
		return false
	}
	if b.Status == store.BackupStaged {
		return true
	}
	if b.CorrelationID == "" {
		return false
	}
	events, err := s.st.ListEventsByCorrelation(ctx, b.CorrelationID)
	if err != nil {
		return false
	}
	for _, e := range events {
		if e.Type == "incident.opened" {
			return true
		}
	}
	return false
}

// EncryptForRest derives a one-time key from the service's master key via
// HKDF-SHA256 (salt = backup ID, info = "hearth-safeedit-backup") and
// encrypts content with AES-256-GCM, returning nonce||ciphertext.
func (s *Service) EncryptForRest(backupID string, content []byte) ([]byte, error) {
	key, err := s.deriveKey(backupID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, content, nil), nil
}

// DecryptFromRest reverses EncryptForRest.
func (s *Service) DecryptFromRest(backupID string, sealed []byte) ([]byte, error) {
	key, err := s.deriveKey(backupID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("safeedit: sealed backup too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func (s *Service) deriveKey(backupID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.masterKey, []byte(backupID), []byte("hearth-safeedit-backup"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("safeedit: derive key: %w", err)
	}
	return key, nil
}

func validateTarget(path string) error {
	clean := filepath.Clean(path)
	for _, re := range forbiddenPatterns {
		if re.MatchString(clean) {
			return herrors.PolicyDenied(fmt.Sprintf("safeedit: %s matches a forbidden pattern", clean))
		}
	}
	return nil
}

func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hearth-safeedit-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (s *Service) publish(ctx context.Context, topic string, b *store.SafeEditBackup) {
	if s.b == nil {
		return
	}
	_ = s.b.Publish(ctx, bus.Event{
		Topic:    topic,
		Priority: bus.PriorityNormal,
		Source:   "safeedit",
		Payload: map[string]any{
			"backup_id":   b.ID,
			"target_path": b.TargetPath,
			"status":      string(b.Status),
		},
	})
}
