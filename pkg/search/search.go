package search

import (
	"database/sql"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// Index queries the FTS5 tables the storage triggers maintain. The
// query language is FTS5's own: phrases, prefix stars, AND/OR/NOT, and
// column-scoped terms like title:word.
type Index struct {
	db *storage.DB
}

// NewIndex creates a search reader.
func NewIndex(db *storage.DB) *Index {
	return &Index{db: db}
}

// Hit is one ranked result.
type Hit struct {
	TaskID       string  `json:"task_id"`
	Source       string  `json:"source"` // "task" or "attachment"
	Title        string  `json:"title,omitempty"`
	Snippet      string  `json:"snippet"`
	Rank         float64 `json:"rank"`
	AttachmentID int64   `json:"attachment_id,omitempty"`
}

// Options tune a query.
type Options struct {
	Limit              int
	IncludeAttachments bool
	StatusFilter       string
}

// Query runs a ranked full-text query. Results merge the task and
// attachment indexes ordered by bm25 relevance (lower rank is better).
func (i *Index) Query(query string, opts Options) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.InvalidArgument("search query is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var hits []Hit

	taskSQL := `SELECT f.task_id, t.title,
			snippet(tasks_fts, 2, '[', ']', '…', 12),
			bm25(tasks_fts)
		FROM tasks_fts f
		JOIN tasks t ON t.id = f.task_id
		WHERE tasks_fts MATCH ? AND t.deleted_at IS NULL`
	args := []any{query}
	if opts.StatusFilter != "" {
		taskSQL += ` AND t.status = ?`
		args = append(args, opts.StatusFilter)
	}
	taskSQL += ` ORDER BY bm25(tasks_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := i.db.SQL().Query(taskSQL, args...)
	if err != nil {
		return nil, ftsError(err)
	}
	for rows.Next() {
		h := Hit{Source: "task"}
		if err := rows.Scan(&h.TaskID, &h.Title, &h.Snippet, &h.Rank); err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.IncludeAttachments {
		attSQL := `SELECT f.task_id, f.attachment_id,
				snippet(attachments_fts, 3, '[', ']', '…', 12),
				bm25(attachments_fts)
			FROM attachments_fts f
			JOIN tasks t ON t.id = f.task_id
			WHERE attachments_fts MATCH ? AND t.deleted_at IS NULL`
		attArgs := []any{query}
		if opts.StatusFilter != "" {
			attSQL += ` AND t.status = ?`
			attArgs = append(attArgs, opts.StatusFilter)
		}
		attSQL += ` ORDER BY bm25(attachments_fts) LIMIT ?`
		attArgs = append(attArgs, limit)

		rows, err := i.db.SQL().Query(attSQL, attArgs...)
		if err != nil {
			return nil, ftsError(err)
		}
		for rows.Next() {
			h := Hit{Source: "attachment"}
			if err := rows.Scan(&h.TaskID, &h.AttachmentID, &h.Snippet, &h.Rank); err != nil {
				rows.Close()
				return nil, err
			}
			hits = append(hits, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		sortByRank(hits)
		if len(hits) > limit {
			hits = hits[:limit]
		}
	}

	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

func sortByRank(hits []Hit) {
	// bm25 returns negative scores; more negative is more relevant.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Rank < hits[j-1].Rank; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func ftsError(err error) error {
	if err == nil || err == sql.ErrNoRows {
		return err
	}
	if strings.Contains(err.Error(), "fts5: syntax error") || strings.Contains(err.Error(), "malformed MATCH") {
		return types.InvalidArgument("invalid search query: %v", err)
	}
	return err
}
