package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	AvatarURL    string
	Bio          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Planet is a user's workspace: the root of one content tree.
type Planet struct {
	ID        string
	UserID    string
	Slug      string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is a file or folder in a planet's tree. The tree is stored flat:
// Namespace is the slash-joined path of ancestor slugs and Depth/FilePath
// are derived from it (content.ValidatePath enforces the relationship).
type Node struct {
	ID        string         `json:"id"`
	PlanetID  string         `json:"planet_id"`
	Slug      string         `json:"slug"`
	Title     string         `json:"title"`
	Namespace string         `json:"namespace"`
	Depth     int            `json:"depth"`
	FilePath  string         `json:"file_path"`
	Type      string         `json:"type"`
	Tier      string         `json:"tier"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	SortOrder int            `json:"sort_order"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EditingSession is one open transactional editing window on a planet.
type EditingSession struct {
	ID        string
	UserID    string
	PlanetID  string
	StartedAt time.Time
	IsActive  bool
}

// Backup actions name what the live mutation did; the restore procedure
// applies the structural inverse of each.
const (
	BackupCreate = "create"
	BackupUpdate = "update"
	BackupDelete = "delete"
)

// NodeBackup records one session mutation with enough state to invert it.
// Snapshot is the full prior node state, or nil for creations (no prior
// state existed). ID is a sequence: backups replay in descending ID order
// on discard.
type NodeBackup struct {
	ID        int64
	SessionID string
	NodeID    string
	Action    string
	Snapshot  *Node
	CreatedAt time.Time
}
