package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cfme-tools/go-polarion/internal/polarion"
)

// AuditEntry is one processed record and its write outcome.
type AuditEntry struct {
	Project    string          `json:"project"`
	Run        string          `json:"run"`
	Test       string          `json:"test"`
	WorkItemID string          `json:"work_item_id"`
	Record     polarion.Record `json:"record"`
	Written    bool            `json:"written"`
	Error      string          `json:"error,omitempty"`
	LoggedAt   time.Time       `json:"logged_at"`
}

// AuditWriter keeps a JSON file per processed record, so the outcome of
// an interrupted or partially failed session can be replayed later.
type AuditWriter struct {
	dir string
}

func NewAuditWriter(dir string) (*AuditWriter, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err = os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("os.MkdirAll: %w", err)
		}
	}

	return &AuditWriter{dir: dir}, nil
}

// Write stores the entry under a fresh uuid-named file in the audit
// directory.
func (w *AuditWriter) Write(entry AuditEntry) (err error) {
	entry.LoggedAt = time.Now().UTC()

	pth := filepath.Join(w.dir, fmt.Sprintf("%s-record.json", uuid.New().String()))

	file, err := os.OpenFile(pth, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("os.OpenFile: %w", err)
	}

	defer func() {
		if syncErr := file.Sync(); syncErr != nil && err == nil {
			err = fmt.Errorf("file Sync: %w", syncErr)
		}

		_ = file.Close()
	}()

	if encErr := json.NewEncoder(file).Encode(entry); encErr != nil {
		return fmt.Errorf("json.NewEncoder.Encode: %w", encErr)
	}

	return nil
}
