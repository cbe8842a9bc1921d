package task

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// AttachmentInput is one attachment to add. Name doubles as the
// attachment type for configured types; Mode overrides the configured
// append/replace mode when set.
type AttachmentInput struct {
	Name     string
	MimeType string
	Content  string
	FilePath string
	Mode     string
}

// Attach adds an attachment to each listed task in one transaction.
func (s *Store) Attach(snap *config.Snapshot, taskIDs []string, input AttachmentInput) ([]*types.Attachment, []string, error) {
	var out []*types.Attachment
	var warnings []string
	err := s.db.Write(func(tx *sql.Tx) error {
		out = nil
		warnings = []string{}
		for _, id := range taskIDs {
			if _, err := getTask(tx, id, false); err != nil {
				return err
			}
			a, warn, err := insertAttachment(tx, snap, id, input)
			if err != nil {
				return err
			}
			if warn != "" {
				warnings = append(warnings, warn)
			}
			out = append(out, a)
			if _, err := tx.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, nowMS(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, warnings, nil
}

func insertAttachment(tx *sql.Tx, snap *config.Snapshot, taskID string, input AttachmentInput) (*types.Attachment, string, error) {
	if input.Name == "" {
		return nil, "", types.InvalidArgument("attachment name is required")
	}

	warn := ""
	def, known := snap.Attachments.Definitions[input.Name]
	if !known {
		switch snap.Attachments.UnknownKey {
		case config.PolicyReject:
			return nil, "", types.InvalidArgument("unknown attachment type %q", input.Name)
		case config.PolicyWarn:
			warn = fmt.Sprintf("unknown attachment type %q", input.Name)
		}
		def = config.AttachmentDef{Mime: "text/plain", Mode: "append"}
	}

	mime := input.MimeType
	if mime == "" {
		mime = def.Mime
	}
	mode := input.Mode
	if mode == "" {
		mode = def.Mode
	}

	now := nowMS()
	a := &types.Attachment{
		TaskID:         taskID,
		AttachmentType: input.Name,
		Name:           input.Name,
		MimeType:       mime,
		Content:        input.Content,
		FilePath:       input.FilePath,
		CreatedAt:      now,
	}

	switch mode {
	case "replace":
		// Delete-all-then-insert keeps sequence numbering simple; the
		// replacement always lands at sequence zero.
		if _, err := tx.Exec(
			`DELETE FROM attachments WHERE task_id = ? AND attachment_type = ?`,
			taskID, input.Name); err != nil {
			return nil, "", err
		}
		a.Sequence = 0
	case "append":
		var next sql.NullInt64
		if err := tx.QueryRow(
			`SELECT MAX(sequence) + 1 FROM attachments WHERE task_id = ? AND attachment_type = ?`,
			taskID, input.Name).Scan(&next); err != nil {
			return nil, "", err
		}
		a.Sequence = int(next.Int64)
	default:
		return nil, "", types.InvalidArgument("invalid attachment mode %q", mode)
	}

	res, err := tx.Exec(`INSERT INTO attachments
		(task_id, attachment_type, sequence, name, mime_type, content, file_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.AttachmentType, a.Sequence, a.Name, a.MimeType, a.Content,
		nullableString(a.FilePath), a.CreatedAt)
	if err != nil {
		return nil, "", err
	}
	a.ID, _ = res.LastInsertId()
	return a, warn, nil
}

// StoreAsFile writes content into the media directory and returns the
// stored path for an attachment row that references it.
func StoreAsFile(mediaDir, name string, content []byte) (string, error) {
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return "", err
	}
	fileName := uuid.NewString() + "-" + filepath.Base(name)
	path := filepath.Join(mediaDir, fileName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// AttachmentFilter selects attachments for listing.
type AttachmentFilter struct {
	Name           string
	MimeType       string
	IncludeContent bool
}

// Attachments lists a task's attachments ordered by attachment type,
// then by sequence within each type.
func (s *Store) Attachments(taskID string, f AttachmentFilter) ([]*types.Attachment, error) {
	if _, err := s.Get(taskID, false); err != nil {
		return nil, err
	}
	query := `SELECT id, task_id, attachment_type, sequence, name, mime_type, content, file_path, created_at
		FROM attachments WHERE task_id = ?`
	args := []any{taskID}
	if f.Name != "" {
		query += ` AND attachment_type = ?`
		args = append(args, f.Name)
	}
	if f.MimeType != "" {
		query += ` AND mime_type = ?`
		args = append(args, f.MimeType)
	}
	query += ` ORDER BY attachment_type, sequence`

	rows, err := s.db.SQL().Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Attachment
	for rows.Next() {
		var a types.Attachment
		var filePath sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AttachmentType, &a.Sequence,
			&a.Name, &a.MimeType, &a.Content, &filePath, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.FilePath = filePath.String
		if !f.IncludeContent {
			a.Content = ""
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Detach removes every attachment of the given type from a task,
// optionally deleting backing media files.
func (s *Store) Detach(taskID, name string, deleteFiles bool) error {
	var filePaths []string
	err := s.db.Write(func(tx *sql.Tx) error {
		filePaths = nil
		rows, err := tx.Query(
			`SELECT file_path FROM attachments WHERE task_id = ? AND attachment_type = ? AND file_path IS NOT NULL`,
			taskID, name)
		if err != nil {
			return err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return err
			}
			filePaths = append(filePaths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM attachments WHERE task_id = ? AND attachment_type = ?`, taskID, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFound("no attachment %q on task %s", name, taskID)
		}
		_, err = tx.Exec(`UPDATE tasks SET updated_at = ? WHERE id = ?`, nowMS(), taskID)
		return err
	})
	if err != nil {
		return err
	}
	if deleteFiles {
		for _, p := range filePaths {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("path", p).Msg("Failed to delete attachment file")
			}
		}
	}
	return nil
}
