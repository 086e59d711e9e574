// Package editing implements transactional editing sessions over a
// planet's node tree. All node writes flow through here: each one records
// an inverse backup first, so discarding a session restores the tree to
// exactly its pre-session state.
package editing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dropz/api/internal/content"
	"dropz/api/internal/store"
	"dropz/api/internal/util"
)

// Store is the persistence surface the session manager needs. The
// WithBackup methods and DiscardSession are transactional: backup row and
// node mutation commit or roll back together.
type Store interface {
	GetNode(ctx context.Context, nodeID string) (store.Node, error)
	GetNodeByPath(ctx context.Context, planetID, filePath string) (store.Node, error)
	NodeHasChildren(ctx context.Context, planetID, filePath string) (bool, error)

	InsertSession(ctx context.Context, session store.EditingSession) error
	GetSession(ctx context.Context, sessionID string) (store.EditingSession, error)
	GetActiveSession(ctx context.Context, userID, planetID string) (*store.EditingSession, error)
	CloseSession(ctx context.Context, sessionID string) (bool, error)
	ListSessionBackups(ctx context.Context, sessionID string) ([]store.NodeBackup, error)

	CreateNodeWithBackup(ctx context.Context, sessionID string, node store.Node) error
	UpdateNodeWithBackup(ctx context.Context, sessionID string, prior, updated store.Node) error
	DeleteNodeWithBackup(ctx context.Context, sessionID string, prior store.Node) error
	DiscardSession(ctx context.Context, sessionID string) error
}

type Service struct {
	store Store
}

func NewService(st Store) *Service {
	return &Service{store: st}
}

// Start opens an editing session for the user on their planet. Starting
// while a session is already active returns that session unchanged; two
// racing starts converge on one winner through the database's
// single-active-session constraint.
func (s *Service) Start(ctx context.Context, userID, planetID string) (store.EditingSession, bool, error) {
	existing, err := s.store.GetActiveSession(ctx, userID, planetID)
	if err != nil {
		return store.EditingSession{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	session := store.EditingSession{
		ID:        util.NewID("sess"),
		UserID:    userID,
		PlanetID:  planetID,
		StartedAt: time.Now().UTC(),
		IsActive:  true,
	}
	err = s.store.InsertSession(ctx, session)
	if errors.Is(err, store.ErrActiveSessionExists) {
		winner, err := s.store.GetActiveSession(ctx, userID, planetID)
		if err != nil {
			return store.EditingSession{}, false, err
		}
		if winner != nil {
			return *winner, false, nil
		}
		return store.EditingSession{}, false, store.ErrActiveSessionExists
	}
	if err != nil {
		return store.EditingSession{}, false, err
	}
	return session, true, nil
}

// Status describes the user's open session on a planet, if any.
type Status struct {
	Session *store.EditingSession
	Changes int
}

func (s *Service) Status(ctx context.Context, userID, planetID string) (Status, error) {
	session, err := s.store.GetActiveSession(ctx, userID, planetID)
	if err != nil {
		return Status{}, err
	}
	if session == nil {
		return Status{}, nil
	}
	backups, err := s.store.ListSessionBackups(ctx, session.ID)
	if err != nil {
		return Status{}, err
	}
	return Status{Session: session, Changes: len(backups)}, nil
}

// Apply commits the session: edits stay, the session closes, and its
// backups remain as history. Applying a session that is already closed is
// ErrSessionNotFound.
func (s *Service) Apply(ctx context.Context, userID, sessionID string) (store.EditingSession, error) {
	session, err := s.requireOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return store.EditingSession{}, err
	}
	closed, err := s.store.CloseSession(ctx, session.ID)
	if err != nil {
		return store.EditingSession{}, err
	}
	if !closed {
		return store.EditingSession{}, ErrSessionNotFound
	}
	session.IsActive = false
	return session, nil
}

// Discard rolls every session mutation back in reverse order and removes
// the session with its backups. A discard that fails partway leaves the
// session active and can be retried.
func (s *Service) Discard(ctx context.Context, userID, sessionID string) (store.EditingSession, error) {
	session, err := s.requireOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return store.EditingSession{}, err
	}
	if err := s.store.DiscardSession(ctx, session.ID); err != nil {
		return store.EditingSession{}, err
	}
	session.IsActive = false
	return session, nil
}

func (s *Service) requireOwnedSession(ctx context.Context, userID, sessionID string) (store.EditingSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.EditingSession{}, ErrSessionNotFound
	}
	if err != nil {
		return store.EditingSession{}, err
	}
	if session.UserID != userID {
		return store.EditingSession{}, ErrForbidden
	}
	if !session.IsActive {
		return store.EditingSession{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) requireActiveSession(ctx context.Context, userID, planetID string) (store.EditingSession, error) {
	session, err := s.store.GetActiveSession(ctx, userID, planetID)
	if err != nil {
		return store.EditingSession{}, err
	}
	if session == nil {
		return store.EditingSession{}, ErrNoActiveSession
	}
	return *session, nil
}

// CreateNodeInput describes a new node. An empty Slug is derived from the
// title. Content may open with a YAML frontmatter block; its fields land
// in metadata with explicit Metadata entries taking precedence.
type CreateNodeInput struct {
	PlanetID  string
	Slug      string
	Title     string
	Namespace string
	Type      string
	Content   string
	Metadata  map[string]any
	SortOrder int
}

func (s *Service) CreateNode(ctx context.Context, userID string, input CreateNodeInput) (store.Node, error) {
	session, err := s.requireActiveSession(ctx, userID, input.PlanetID)
	if err != nil {
		return store.Node{}, err
	}

	if input.Type != content.TypeFile && input.Type != content.TypeFolder {
		return store.Node{}, validationf("invalid node type %q", input.Type)
	}
	if input.Title == "" {
		return store.Node{}, validationf("title is required")
	}

	slug := input.Slug
	if slug == "" {
		slug = util.Slugify(input.Title)
	}
	namespace := content.NormalizeNamespace(input.Namespace)
	depth := content.DepthOf(namespace)
	filePath := content.FilePathOf(namespace, slug)
	if err := content.ValidatePath(slug, namespace, depth, filePath); err != nil {
		return store.Node{}, &ValidationError{Message: err.Error()}
	}

	if namespace != "" {
		parent, err := s.store.GetNodeByPath(ctx, input.PlanetID, namespace)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Node{}, ErrParentNotFound
		}
		if err != nil {
			return store.Node{}, err
		}
		if parent.Type != content.TypeFolder {
			return store.Node{}, validationf("parent %q is not a folder", namespace)
		}
	}

	body := input.Content
	metadata := input.Metadata
	if input.Type == content.TypeFile {
		frontmatter, rest, err := content.SplitFrontmatter(input.Content)
		if err != nil {
			return store.Node{}, &ValidationError{Message: err.Error()}
		}
		body = rest
		metadata = content.MergeMetadata(nil, frontmatter, input.Metadata)
	} else if input.Content != "" {
		return store.Node{}, validationf("folders cannot carry content")
	}

	now := time.Now().UTC()
	node := store.Node{
		ID:        util.NewID("node"),
		PlanetID:  input.PlanetID,
		Slug:      slug,
		Title:     input.Title,
		Namespace: namespace,
		Depth:     depth,
		FilePath:  filePath,
		Type:      input.Type,
		Tier:      content.TierForDepth(depth),
		Content:   body,
		Metadata:  metadata,
		SortOrder: input.SortOrder,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.CreateNodeWithBackup(ctx, session.ID, node)
	if errors.Is(err, store.ErrNodeExists) {
		return store.Node{}, ErrNodeExists
	}
	if err != nil {
		return store.Node{}, err
	}
	return node, nil
}

// UpdateNodeInput carries the mutable node fields; nil pointers leave the
// stored value alone.
type UpdateNodeInput struct {
	Title     *string
	Content   *string
	Metadata  map[string]any
	SortOrder *int
}

func (s *Service) UpdateNode(ctx context.Context, userID, nodeID string, input UpdateNodeInput) (store.Node, error) {
	prior, err := s.store.GetNode(ctx, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return store.Node{}, err
	}
	session, err := s.requireActiveSession(ctx, userID, prior.PlanetID)
	if err != nil {
		return store.Node{}, err
	}

	updated := prior
	if input.Title != nil {
		if *input.Title == "" {
			return store.Node{}, validationf("title cannot be empty")
		}
		updated.Title = *input.Title
	}
	if input.SortOrder != nil {
		updated.SortOrder = *input.SortOrder
	}
	if input.Content != nil {
		if prior.Type != content.TypeFile {
			return store.Node{}, validationf("folders cannot carry content")
		}
		frontmatter, body, err := content.SplitFrontmatter(*input.Content)
		if err != nil {
			return store.Node{}, &ValidationError{Message: err.Error()}
		}
		updated.Content = body
		updated.Metadata = content.MergeMetadata(prior.Metadata, frontmatter, input.Metadata)
	} else if input.Metadata != nil {
		updated.Metadata = content.MergeMetadata(prior.Metadata, nil, input.Metadata)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateNodeWithBackup(ctx, session.ID, prior, updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Node{}, ErrNodeNotFound
		}
		return store.Node{}, err
	}
	return updated, nil
}

// DeleteNode removes a node inside the session. Folders must be emptied
// first; deleting a populated folder would orphan its descendants in the
// flat tree.
func (s *Service) DeleteNode(ctx context.Context, userID, nodeID string) (store.Node, error) {
	prior, err := s.store.GetNode(ctx, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return store.Node{}, err
	}
	session, err := s.requireActiveSession(ctx, userID, prior.PlanetID)
	if err != nil {
		return store.Node{}, err
	}

	if prior.Type == content.TypeFolder {
		occupied, err := s.store.NodeHasChildren(ctx, prior.PlanetID, prior.FilePath)
		if err != nil {
			return store.Node{}, err
		}
		if occupied {
			return store.Node{}, ErrFolderNotEmpty
		}
	}

	err = s.store.DeleteNodeWithBackup(ctx, session.ID, prior)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, ErrNodeNotFound
	}
	if err != nil {
		return store.Node{}, err
	}
	return prior, nil
}
