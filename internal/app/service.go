// Package app is the application facade: it binds authentication, the
// editing session manager, search, the git archive and exports together
// behind one HTTP surface. Identity is always an explicit parameter; no
// ambient request state reaches the inner packages.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"dropz/api/internal/archive"
	"dropz/api/internal/assets"
	"dropz/api/internal/authpw"
	"dropz/api/internal/editing"
	"dropz/api/internal/export"
	"dropz/api/internal/search"
	"dropz/api/internal/session"
	"dropz/api/internal/store"
	"dropz/api/internal/util"
)

// Session is the identity resolved from a bearer token.
type Session struct {
	Token    string
	UserID   string
	Username string
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpdateUserProfile(ctx context.Context, userID, email, avatarURL, bio string) (store.User, error)
	DeleteUser(ctx context.Context, userID string) error
	InsertPlanet(ctx context.Context, planet store.Planet) error
	GetPlanetByUser(ctx context.Context, userID string) (*store.Planet, error)
	GetPlanetBySlug(ctx context.Context, slug string) (store.Planet, error)
	ListPlanets(ctx context.Context) ([]store.Planet, error)
	RenamePlanet(ctx context.Context, planetID, name string) (bool, error)
	GetNode(ctx context.Context, nodeID string) (store.Node, error)
	ListNodes(ctx context.Context, planetID string) ([]store.Node, error)
}

type tokenStore interface {
	Issue(ctx context.Context, userID, username string) (string, error)
	Lookup(ctx context.Context, token string) (session.TokenData, error)
	Revoke(ctx context.Context, token string) error
}

type Service struct {
	store   dataStore
	tokens  tokenStore
	auth    *authpw.Service
	editing *editing.Service
	search  *search.Service
	archive *archive.Service
	assets  *assets.Service
	export  *export.Service
}

// Options carries the optional subsystems. Any of them may be nil; the
// matching endpoints degrade or disappear.
type Options struct {
	Search  *search.Service
	Archive *archive.Service
	Assets  *assets.Service
	Export  *export.Service
}

func NewService(st dataStore, tokens tokenStore, auth *authpw.Service, ed *editing.Service, opts Options) *Service {
	return &Service{
		store:   st,
		tokens:  tokens,
		auth:    auth,
		editing: ed,
		search:  opts.Search,
		archive: opts.Archive,
		assets:  opts.Assets,
		export:  opts.Export,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- auth ----

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// SignUp creates the account, its planet, and a signed-in session.
func (s *Service) SignUp(ctx context.Context, username, email, password string) (Session, error) {
	if !emailPattern.MatchString(email) {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid email address", nil)
	}
	user, err := s.auth.SignUp(ctx, authpw.SignUpRequest{Username: username, Email: email, Password: password})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if _, err := s.ensurePlanet(ctx, user); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	data, err := s.tokens.Lookup(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: data.UserID, Username: data.Username}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, err := s.tokens.Issue(ctx, user.ID, user.Username)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, UserID: user.ID, Username: user.Username}, nil
}

// ---- user ----

func (s *Service) Profile(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID, email, avatarURL, bio string) (map[string]any, error) {
	if email != "" && !emailPattern.MatchString(email) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid email address", nil)
	}
	user, err := s.store.UpdateUserProfile(ctx, userID, email, avatarURL, bio)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

// DeleteAccount removes the user; the planet and everything under it
// cascade away. The current token is revoked; other tokens die at TTL.
func (s *Service) DeleteAccount(ctx context.Context, sess Session) error {
	if err := s.store.DeleteUser(ctx, sess.UserID); err != nil {
		return err
	}
	return s.tokens.Revoke(ctx, sess.Token)
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"email":     user.Email,
		"avatarUrl": user.AvatarURL,
		"bio":       user.Bio,
		"createdAt": user.CreatedAt,
	}
}

// ---- planets ----

// ensurePlanet returns the user's planet, creating it on first touch.
func (s *Service) ensurePlanet(ctx context.Context, user store.User) (store.Planet, error) {
	existing, err := s.store.GetPlanetByUser(ctx, user.ID)
	if err != nil {
		return store.Planet{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	slug := util.Slugify(user.Username)
	if slug == "" {
		slug = strings.ToLower(user.ID)
	}
	planet := store.Planet{
		ID:     util.NewID("planet"),
		UserID: user.ID,
		Slug:   slug,
		Name:   user.Username,
	}
	if err := s.store.InsertPlanet(ctx, planet); err != nil {
		// Lost a creation race; the winner's row is the planet.
		if winner, lookupErr := s.store.GetPlanetByUser(ctx, user.ID); lookupErr == nil && winner != nil {
			return *winner, nil
		}
		return store.Planet{}, err
	}
	return planet, nil
}

func (s *Service) planetOf(ctx context.Context, userID string) (store.Planet, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.Planet{}, err
	}
	return s.ensurePlanet(ctx, user)
}

// Workspace returns the caller's planet, creating it if needed.
func (s *Service) Workspace(ctx context.Context, userID string) (map[string]any, error) {
	planet, err := s.planetOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	return planetPayload(planet), nil
}

func (s *Service) ListPlanets(ctx context.Context) (map[string]any, error) {
	planets, err := s.store.ListPlanets(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(planets))
	for _, planet := range planets {
		items = append(items, planetPayload(planet))
	}
	return map[string]any{"planets": items}, nil
}

func (s *Service) RenamePlanet(ctx context.Context, userID, slug, name string) (map[string]any, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	planet, err := s.store.GetPlanetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if planet.UserID != userID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	renamed, err := s.store.RenamePlanet(ctx, planet.ID, name)
	if err != nil {
		return nil, err
	}
	if !renamed {
		return nil, sql.ErrNoRows
	}
	planet.Name = name
	return planetPayload(planet), nil
}

func planetPayload(planet store.Planet) map[string]any {
	return map[string]any{
		"id":        planet.ID,
		"slug":      planet.Slug,
		"name":      planet.Name,
		"userId":    planet.UserID,
		"createdAt": planet.CreatedAt,
	}
}

// ---- tree ----

// TreeNode is one entry of the nested sidebar representation assembled
// from the flat namespace columns.
type TreeNode struct {
	ID        string      `json:"id"`
	Slug      string      `json:"slug"`
	Title     string      `json:"title"`
	FilePath  string      `json:"filePath"`
	Type      string      `json:"type"`
	Tier      string      `json:"tier"`
	SortOrder int         `json:"sortOrder"`
	Children  []*TreeNode `json:"children"`
}

func (s *Service) PlanetTree(ctx context.Context, slug string) (map[string]any, error) {
	planet, err := s.store.GetPlanetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, planet.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"planet": planetPayload(planet),
		"tree":   buildTree(nodes),
	}, nil
}

// buildTree nests the flat node list by namespace. Orphans (nodes whose
// parent folder is missing) surface at the root rather than vanish.
func buildTree(nodes []store.Node) []*TreeNode {
	byPath := make(map[string]*TreeNode, len(nodes))
	items := make([]*TreeNode, 0, len(nodes))
	for _, node := range nodes {
		item := &TreeNode{
			ID:        node.ID,
			Slug:      node.Slug,
			Title:     node.Title,
			FilePath:  node.FilePath,
			Type:      node.Type,
			Tier:      node.Tier,
			SortOrder: node.SortOrder,
			Children:  []*TreeNode{},
		}
		byPath[node.FilePath] = item
		items = append(items, item)
	}

	roots := make([]*TreeNode, 0)
	for i, node := range nodes {
		item := items[i]
		if node.Namespace == "" {
			roots = append(roots, item)
			continue
		}
		parent, ok := byPath[node.Namespace]
		if !ok {
			roots = append(roots, item)
			continue
		}
		parent.Children = append(parent.Children, item)
	}

	sortTree(roots)
	return roots
}

func sortTree(items []*TreeNode) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].Slug < items[j].Slug
	})
	for _, item := range items {
		sortTree(item.Children)
	}
}

// ---- editing ----

func (s *Service) StartEditing(ctx context.Context, sess Session) (map[string]any, error) {
	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	opened, created, err := s.editing.Start(ctx, sess.UserID, planet.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session": sessionPayload(opened),
		"created": created,
	}, nil
}

func (s *Service) EditingStatus(ctx context.Context, sess Session) (map[string]any, error) {
	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	status, err := s.editing.Status(ctx, sess.UserID, planet.ID)
	if err != nil {
		return nil, err
	}
	if status.Session == nil {
		return map[string]any{"active": false}, nil
	}
	return map[string]any{
		"active":  true,
		"session": sessionPayload(*status.Session),
		"changes": status.Changes,
	}, nil
}

// ApplyEditing commits the session, snapshots the planet into its git
// archive, and refreshes the search index. Archive and index are
// best-effort: the commit of record already happened in Postgres.
func (s *Service) ApplyEditing(ctx context.Context, sess Session, sessionID string) (map[string]any, error) {
	applied, err := s.editing.Apply(ctx, sess.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"session": sessionPayload(applied)}

	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return payload, nil
	}
	if s.archive != nil {
		nodes, err := s.store.ListNodes(ctx, planet.ID)
		if err == nil {
			snapshot := make([]archive.SnapshotNode, 0, len(nodes))
			for _, node := range nodes {
				snapshot = append(snapshot, archive.SnapshotNode{
					FilePath: node.FilePath,
					Folder:   node.Type == "folder",
					Content:  node.Content,
				})
			}
			commit, err := s.archive.CommitSnapshot(planet.Slug, archive.SnapshotFiles(snapshot), sess.Username, "Apply editing session")
			if err == nil {
				payload["commit"] = commit
			}
		}
	}
	if s.search != nil {
		s.search.ReindexPlanet(ctx, planet.ID)
	}
	return payload, nil
}

func (s *Service) DiscardEditing(ctx context.Context, sess Session, sessionID string) (map[string]any, error) {
	discarded, err := s.editing.Discard(ctx, sess.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		if planet, err := s.planetOf(ctx, sess.UserID); err == nil {
			s.search.ReindexPlanet(ctx, planet.ID)
		}
	}
	return map[string]any{"session": sessionPayload(discarded)}, nil
}

func sessionPayload(sess store.EditingSession) map[string]any {
	return map[string]any{
		"id":        sess.ID,
		"planetId":  sess.PlanetID,
		"startedAt": sess.StartedAt,
		"isActive":  sess.IsActive,
	}
}

// ---- nodes ----

func (s *Service) GetNode(ctx context.Context, userID, nodeID string) (map[string]any, error) {
	node, err := s.ownedNode(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	return nodePayload(node), nil
}

func (s *Service) CreateNode(ctx context.Context, sess Session, input editing.CreateNodeInput) (map[string]any, error) {
	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	input.PlanetID = planet.ID
	node, err := s.editing.CreateNode(ctx, sess.UserID, input)
	if err != nil {
		return nil, err
	}
	s.indexNode(node)
	return nodePayload(node), nil
}

func (s *Service) UpdateNode(ctx context.Context, sess Session, nodeID string, input editing.UpdateNodeInput) (map[string]any, error) {
	if _, err := s.ownedNode(ctx, sess.UserID, nodeID); err != nil {
		return nil, err
	}
	node, err := s.editing.UpdateNode(ctx, sess.UserID, nodeID, input)
	if err != nil {
		return nil, err
	}
	s.indexNode(node)
	return nodePayload(node), nil
}

func (s *Service) DeleteNode(ctx context.Context, sess Session, nodeID string) (map[string]any, error) {
	if _, err := s.ownedNode(ctx, sess.UserID, nodeID); err != nil {
		return nil, err
	}
	node, err := s.editing.DeleteNode(ctx, sess.UserID, nodeID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteNode(node.ID)
	}
	return map[string]any{"deleted": true, "id": node.ID}, nil
}

// ownedNode loads a node and hides other users' planets behind NotFound.
func (s *Service) ownedNode(ctx context.Context, userID, nodeID string) (store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.Node{}, err
	}
	planet, err := s.store.GetPlanetByUser(ctx, userID)
	if err != nil {
		return store.Node{}, err
	}
	if planet == nil || planet.ID != node.PlanetID {
		return store.Node{}, sql.ErrNoRows
	}
	return node, nil
}

func (s *Service) indexNode(node store.Node) {
	if s.search == nil {
		return
	}
	s.search.IndexNode(search.NodeRecord{
		ID:       node.ID,
		PlanetID: node.PlanetID,
		Slug:     node.Slug,
		Title:    node.Title,
		FilePath: node.FilePath,
		Tier:     node.Tier,
		Content:  node.Content,
	})
}

func nodePayload(node store.Node) map[string]any {
	return map[string]any{
		"id":        node.ID,
		"planetId":  node.PlanetID,
		"slug":      node.Slug,
		"title":     node.Title,
		"namespace": node.Namespace,
		"depth":     node.Depth,
		"filePath":  node.FilePath,
		"type":      node.Type,
		"tier":      node.Tier,
		"content":   node.Content,
		"metadata":  node.Metadata,
		"sortOrder": node.SortOrder,
		"createdAt": node.CreatedAt,
		"updatedAt": node.UpdatedAt,
	}
}

// ---- search ----

func (s *Service) Search(ctx context.Context, userID, q string, limit, offset int) (search.Response, error) {
	planet, err := s.planetOf(ctx, userID)
	if err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:     q,
		PlanetID: planet.ID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}

// ---- assets ----

func (s *Service) UploadAsset(ctx context.Context, sess Session, nodeID, filename, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if s.assets == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Asset storage not configured", nil)
	}
	if _, err := s.ownedNode(ctx, sess.UserID, nodeID); err != nil {
		return nil, err
	}
	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	key, err := s.assets.Upload(ctx, planet.Slug, filename, contentType, size, body)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key}, nil
}

// ---- export ----

func (s *Service) ExportNodePDF(ctx context.Context, sess Session, nodeID string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	node, err := s.ownedNode(ctx, sess.UserID, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type != "file" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "only file nodes can be exported", nil)
	}
	planet, err := s.planetOf(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return s.export.ExportPDF(ctx, node, planet.Name)
}

// ---- history ----

func (s *Service) PlanetHistory(ctx context.Context, slug string, limit int) (map[string]any, error) {
	if s.archive == nil {
		return map[string]any{"commits": []archive.CommitInfo{}}, nil
	}
	if _, err := s.store.GetPlanetBySlug(ctx, slug); err != nil {
		return nil, err
	}
	commits, err := s.archive.History(slug, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commits": commits}, nil
}
