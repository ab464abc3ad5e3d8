package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-annotator/internal/storage"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	AuditID   string          `json:"audit_id"`
	Timestamp time.Time       `json:"timestamp"`
	Operation string          `json:"operation"`
	Details   json.RawMessage `json:"details"`
}

// writeAudit appends one JSON line to the audit log under a file lock so
// concurrent CLI invocations never interleave entries. Failures are logged;
// the operation already happened.
func (a *Admin) writeAudit(ctx context.Context, op, auditID string, details any) {
	if auditID == "" {
		auditID = uuid.NewString()
	}
	if err := a.appendAudit(ctx, op, auditID, details); err != nil {
		a.logger.Error("failed to write audit log", "operation", op, "path", a.audit, "error", err)
		return
	}
	a.logger.Info("audit entry written", "operation", op, "audit_id", auditID)
}

func (a *Admin) appendAudit(ctx context.Context, op, auditID string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	line, err := json.Marshal(AuditEntry{
		AuditID:   auditID,
		Timestamp: a.now().UTC(),
		Operation: op,
		Details:   raw,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.audit), 0o755); err != nil {
		return err
	}
	return storage.NewFileLock(a.audit).WithLock(ctx, func() error {
		f, err := os.OpenFile(a.audit, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

// ReadAudit returns every entry in the audit log at path, oldest first. A
// missing log has no entries.
func ReadAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured audit path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("decode audit line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
