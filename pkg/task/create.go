package task

import (
	"database/sql"
	"strings"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/ids"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// CreateRequest carries everything a task can be born with.
type CreateRequest struct {
	ID             string
	Title          string
	Description    string
	Priority       *int
	Points         int
	TimeEstimateMS int64
	Phase          string
	Tags           []string
	NeededTags     []string
	WantedTags     []string
	Parents        []string // contains-parents
	Attachments    []AttachmentInput
}

// Create inserts a new task in the configured initial state. A missing
// title is derived from the first line of the description; a missing id
// is generated, retrying on collision.
func (s *Store) Create(snap *config.Snapshot, req CreateRequest) (*types.Task, []string, error) {
	var created *types.Task
	var warnings []string
	err := s.db.Write(func(tx *sql.Tx) error {
		var err error
		created, warnings, err = s.createInTx(tx, snap, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return created, warnings, nil
}

func (s *Store) createInTx(tx *sql.Tx, snap *config.Snapshot, req CreateRequest) (*types.Task, []string, error) {
	warnings := []string{}

	title := req.Title
	if title == "" {
		title = deriveTitle(req.Description)
	}
	if title == "" {
		return nil, nil, types.InvalidArgument("title or description is required")
	}
	title, warn := normalizeTitle(title)
	if warn != "" {
		warnings = append(warnings, warn)
	}

	if warn := checkTagPolicy(snap, req.Tags); warn != "" {
		warnings = append(warnings, warn)
	}

	phase := req.Phase
	if phase != "" {
		if pwarn, err := validatePhase(snap, "", phase, false); err != nil {
			return nil, nil, err
		} else if pwarn != "" {
			warnings = append(warnings, pwarn)
		}
	}

	priority := 5
	if req.Priority != nil {
		priority = types.ClampPriority(*req.Priority)
	}

	now := nowMS()
	t := &types.Task{
		ID:             req.ID,
		Title:          title,
		Description:    req.Description,
		Status:         snap.States.Initial,
		Phase:          phase,
		Priority:       priority,
		Points:         req.Points,
		TimeEstimateMS: req.TimeEstimateMS,
		Tags:           req.Tags,
		NeededTags:     req.NeededTags,
		WantedTags:     req.WantedTags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	gen := ids.New(snap.IDs.TaskIDWords, snap.IDs.IDCase)
	generated := t.ID == ""
	for attempt := 0; ; attempt++ {
		if generated {
			t.ID = gen.Generate()
		}
		_, err := tx.Exec(`INSERT INTO tasks
			(id, title, description, status, phase, priority, points, time_estimate_ms, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, t.Status, t.Phase, t.Priority,
			t.Points, t.TimeEstimateMS, t.CreatedAt, t.UpdatedAt)
		if err == nil {
			break
		}
		if storage.IsUniqueViolation(err) {
			if !generated {
				return nil, nil, types.Conflict("task %s already exists", t.ID).WithField("task_id", t.ID)
			}
			if attempt < 16 {
				continue
			}
		}
		return nil, nil, err
	}

	for _, set := range []struct {
		table string
		tags  []string
	}{
		{"task_tags", req.Tags},
		{"task_needed_tags", req.NeededTags},
		{"task_wanted_tags", req.WantedTags},
	} {
		if err := insertTagSet(tx, set.table, t.ID, set.tags); err != nil {
			return nil, nil, err
		}
	}

	for _, parent := range req.Parents {
		if err := insertDependency(tx, snap, parent, t.ID, "contains"); err != nil {
			return nil, nil, err
		}
	}

	for _, a := range req.Attachments {
		if _, warn, err := insertAttachment(tx, snap, t.ID, a); err != nil {
			return nil, nil, err
		} else if warn != "" {
			warnings = append(warnings, warn)
		}
	}

	// Open the task's first sequence row so every task always has
	// exactly one open transition.
	if _, err := tx.Exec(`INSERT INTO task_sequence
		(task_id, worker_id, status, phase, reason, timestamp, end_timestamp)
		VALUES (?, NULL, ?, ?, 'created', ?, NULL)`,
		t.ID, t.Status, nullableString(t.Phase), now); err != nil {
		return nil, nil, err
	}

	return t, warnings, nil
}

func deriveTitle(description string) string {
	line := description
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > titleDisplayLimit {
		line = line[:titleDisplayLimit]
	}
	return line
}

// TreeNode is one node of a recursive structural create.
type TreeNode struct {
	CreateRequest
	// Join declares how this node relates to its previous sibling:
	// "then" adds a follows edge from the previous sibling, "also"
	// leaves the siblings parallel.
	Join     string
	Children []TreeNode
}

// Tree join modes.
const (
	JoinThen = "then"
	JoinAlso = "also"
)

// CreateTree creates a whole subtree in one transaction; any failure
// rolls the entire tree back. Each child gains a contains edge from
// its parent; "then" children additionally gain a follows edge from
// their previous sibling.
func (s *Store) CreateTree(snap *config.Snapshot, root TreeNode, parent string) ([]*types.Task, []string, error) {
	var created []*types.Task
	var warnings []string
	err := s.db.Write(func(tx *sql.Tx) error {
		created = nil
		warnings = []string{}
		return s.createTreeNode(tx, snap, root, parent, "", &created, &warnings)
	})
	if err != nil {
		return nil, nil, err
	}
	return created, warnings, nil
}

func (s *Store) createTreeNode(tx *sql.Tx, snap *config.Snapshot, node TreeNode, parent, prevSibling string, created *[]*types.Task, warnings *[]string) error {
	req := node.CreateRequest
	if parent != "" {
		req.Parents = append(append([]string{}, req.Parents...), parent)
	}
	t, warns, err := s.createInTx(tx, snap, req)
	if err != nil {
		return err
	}
	*created = append(*created, t)
	*warnings = append(*warnings, warns...)

	if node.Join == JoinThen && prevSibling != "" {
		if err := insertDependency(tx, snap, prevSibling, t.ID, "follows"); err != nil {
			return err
		}
	} else if node.Join != "" && node.Join != JoinThen && node.Join != JoinAlso {
		return types.InvalidArgument("unknown tree join %q", node.Join)
	}

	prev := ""
	for _, child := range node.Children {
		before := len(*created)
		if err := s.createTreeNode(tx, snap, child, t.ID, prev, created, warnings); err != nil {
			return err
		}
		// The child's own task is the first one its subtree appended;
		// it anchors a following sibling's "then" join.
		prev = (*created)[before].ID
	}
	return nil
}
