package editing

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"dropz/api/internal/store"
)

type fakeStore struct {
	nodes    map[string]store.Node
	sessions map[string]store.EditingSession
	backups  []store.NodeBackup
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    map[string]store.Node{},
		sessions: map[string]store.EditingSession{},
	}
}

func (f *fakeStore) GetNode(_ context.Context, nodeID string) (store.Node, error) {
	node, ok := f.nodes[nodeID]
	if !ok {
		return store.Node{}, sql.ErrNoRows
	}
	return node, nil
}

func (f *fakeStore) GetNodeByPath(_ context.Context, planetID, filePath string) (store.Node, error) {
	for _, node := range f.nodes {
		if node.PlanetID == planetID && node.FilePath == filePath {
			return node, nil
		}
	}
	return store.Node{}, sql.ErrNoRows
}

func (f *fakeStore) NodeHasChildren(_ context.Context, planetID, filePath string) (bool, error) {
	for _, node := range f.nodes {
		if node.PlanetID == planetID && node.Namespace == filePath {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertSession(_ context.Context, session store.EditingSession) error {
	for _, existing := range f.sessions {
		if existing.UserID == session.UserID && existing.PlanetID == session.PlanetID && existing.IsActive {
			return store.ErrActiveSessionExists
		}
	}
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID string) (store.EditingSession, error) {
	session, ok := f.sessions[sessionID]
	if !ok {
		return store.EditingSession{}, sql.ErrNoRows
	}
	return session, nil
}

func (f *fakeStore) GetActiveSession(_ context.Context, userID, planetID string) (*store.EditingSession, error) {
	for _, session := range f.sessions {
		if session.UserID == userID && session.PlanetID == planetID && session.IsActive {
			copied := session
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CloseSession(_ context.Context, sessionID string) (bool, error) {
	session, ok := f.sessions[sessionID]
	if !ok || !session.IsActive {
		return false, nil
	}
	session.IsActive = false
	f.sessions[sessionID] = session
	return true, nil
}

func (f *fakeStore) ListSessionBackups(_ context.Context, sessionID string) ([]store.NodeBackup, error) {
	items := make([]store.NodeBackup, 0)
	for _, backup := range f.backups {
		if backup.SessionID == sessionID {
			items = append(items, backup)
		}
	}
	return items, nil
}

func (f *fakeStore) appendBackup(sessionID string, node store.Node, action string) {
	f.nextID++
	backup := store.NodeBackup{
		ID:        f.nextID,
		SessionID: sessionID,
		NodeID:    node.ID,
		Action:    action,
	}
	if action != store.BackupCreate {
		copied := node
		backup.Snapshot = &copied
	}
	f.backups = append(f.backups, backup)
}

func (f *fakeStore) CreateNodeWithBackup(_ context.Context, sessionID string, node store.Node) error {
	for _, existing := range f.nodes {
		if existing.PlanetID == node.PlanetID && existing.Namespace == node.Namespace && existing.Slug == node.Slug {
			return store.ErrNodeExists
		}
	}
	f.appendBackup(sessionID, node, store.BackupCreate)
	f.nodes[node.ID] = node
	return nil
}

func (f *fakeStore) UpdateNodeWithBackup(_ context.Context, sessionID string, prior, updated store.Node) error {
	if _, ok := f.nodes[updated.ID]; !ok {
		return sql.ErrNoRows
	}
	f.appendBackup(sessionID, prior, store.BackupUpdate)
	f.nodes[updated.ID] = updated
	return nil
}

func (f *fakeStore) DeleteNodeWithBackup(_ context.Context, sessionID string, prior store.Node) error {
	if _, ok := f.nodes[prior.ID]; !ok {
		return sql.ErrNoRows
	}
	f.appendBackup(sessionID, prior, store.BackupDelete)
	delete(f.nodes, prior.ID)
	return nil
}

func (f *fakeStore) DiscardSession(_ context.Context, sessionID string) error {
	var session []store.NodeBackup
	var rest []store.NodeBackup
	for _, backup := range f.backups {
		if backup.SessionID == sessionID {
			session = append(session, backup)
		} else {
			rest = append(rest, backup)
		}
	}
	for i := len(session) - 1; i >= 0; i-- {
		backup := session[i]
		switch backup.Action {
		case store.BackupCreate:
			delete(f.nodes, backup.NodeID)
		case store.BackupUpdate:
			if _, ok := f.nodes[backup.NodeID]; ok && backup.Snapshot != nil {
				f.nodes[backup.NodeID] = *backup.Snapshot
			}
		case store.BackupDelete:
			if _, ok := f.nodes[backup.NodeID]; !ok && backup.Snapshot != nil {
				f.nodes[backup.NodeID] = *backup.Snapshot
			}
		}
	}
	f.backups = rest
	delete(f.sessions, sessionID)
	return nil
}

const (
	testUser   = "user_1"
	testPlanet = "planet_1"
)

func seedNode(f *fakeStore, id, slug, namespace, nodeType, title string) store.Node {
	filePath := slug
	if namespace != "" {
		filePath = namespace + "/" + slug
	}
	depth := 0
	if namespace != "" {
		depth = 1
	}
	node := store.Node{
		ID:        id,
		PlanetID:  testPlanet,
		Slug:      slug,
		Title:     title,
		Namespace: namespace,
		Depth:     depth,
		FilePath:  filePath,
		Type:      nodeType,
		Tier:      "ocean",
		Metadata:  map[string]any{},
	}
	f.nodes[id] = node
	return node
}

func mustStart(t *testing.T, svc *Service) store.EditingSession {
	t.Helper()
	session, created, err := svc.Start(context.Background(), testUser, testPlanet)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh session")
	}
	return session
}

func TestStartIsIdempotent(t *testing.T) {
	svc := NewService(newFakeStore())
	first := mustStart(t, svc)

	second, created, err := svc.Start(context.Background(), testUser, testPlanet)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if created {
		t.Fatalf("second start should reuse the open session")
	}
	if second.ID != first.ID {
		t.Fatalf("got session %s, want %s", second.ID, first.ID)
	}
}

func TestStartRaceReturnsWinner(t *testing.T) {
	f := newFakeStore()
	winner := store.EditingSession{ID: "sess_winner", UserID: testUser, PlanetID: testPlanet, IsActive: true}
	f.sessions[winner.ID] = winner

	svc := NewService(&racingStore{fakeStore: f, winner: winner})
	session, created, err := svc.Start(context.Background(), testUser, testPlanet)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if created || session.ID != winner.ID {
		t.Fatalf("got session %s created=%v, want winner %s", session.ID, created, winner.ID)
	}
}

// racingStore reports no active session on the first read so the insert
// hits the unique constraint, like a concurrent start winning in between.
type racingStore struct {
	*fakeStore
	winner store.EditingSession
	reads  int
}

func (r *racingStore) GetActiveSession(ctx context.Context, userID, planetID string) (*store.EditingSession, error) {
	r.reads++
	if r.reads == 1 {
		return nil, nil
	}
	return r.fakeStore.GetActiveSession(ctx, userID, planetID)
}

func TestMutationsRequireActiveSession(t *testing.T) {
	f := newFakeStore()
	existing := seedNode(f, "node_1", "intro", "", "file", "Intro")
	svc := NewService(f)

	_, err := svc.CreateNode(context.Background(), testUser, CreateNodeInput{
		PlanetID: testPlanet, Title: "New", Type: "file",
	})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("create: got %v, want ErrNoActiveSession", err)
	}

	title := "Renamed"
	_, err = svc.UpdateNode(context.Background(), testUser, existing.ID, UpdateNodeInput{Title: &title})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("update: got %v, want ErrNoActiveSession", err)
	}

	_, err = svc.DeleteNode(context.Background(), testUser, existing.ID)
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("delete: got %v, want ErrNoActiveSession", err)
	}
}

func TestDiscardRestoresPreSessionState(t *testing.T) {
	f := newFakeStore()
	folder := seedNode(f, "node_docs", "docs", "", "folder", "Docs")
	intro := seedNode(f, "node_intro", "intro", "docs", "file", "Intro")
	_ = folder
	before := map[string]store.Node{}
	for id, node := range f.nodes {
		before[id] = node
	}

	svc := NewService(f)
	session := mustStart(t, svc)

	created, err := svc.CreateNode(context.Background(), testUser, CreateNodeInput{
		PlanetID: testPlanet, Slug: "extra", Namespace: "docs", Title: "Extra", Type: "file", Content: "body",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "Intro v2"
	if _, err := svc.UpdateNode(context.Background(), testUser, intro.ID, UpdateNodeInput{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.DeleteNode(context.Background(), testUser, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := svc.Discard(context.Background(), testUser, session.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if !reflect.DeepEqual(f.nodes, before) {
		t.Fatalf("tree after discard = %+v, want %+v", f.nodes, before)
	}
	if len(f.backups) != 0 {
		t.Fatalf("discard should destroy the session's backups, %d left", len(f.backups))
	}
	if _, ok := f.sessions[session.ID]; ok {
		t.Fatalf("discard should remove the session row")
	}
}

func TestApplyKeepsEditsAndBackups(t *testing.T) {
	f := newFakeStore()
	svc := NewService(f)
	session := mustStart(t, svc)

	node, err := svc.CreateNode(context.Background(), testUser, CreateNodeInput{
		PlanetID: testPlanet, Slug: "notes", Title: "Notes", Type: "file", Content: "hello",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := svc.Apply(context.Background(), testUser, session.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.IsActive {
		t.Fatalf("applied session should be inactive")
	}
	if _, ok := f.nodes[node.ID]; !ok {
		t.Fatalf("apply must keep the session's edits")
	}
	if len(f.backups) != 1 {
		t.Fatalf("apply must keep backups as history, got %d", len(f.backups))
	}

	// The session is terminal now.
	if _, err := svc.Apply(context.Background(), testUser, session.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second apply: got %v, want ErrSessionNotFound", err)
	}
}

func TestApplyRejectsForeignSession(t *testing.T) {
	f := newFakeStore()
	svc := NewService(f)
	session := mustStart(t, svc)

	if _, err := svc.Apply(context.Background(), "user_2", session.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
	if _, err := svc.Discard(context.Background(), "user_2", session.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestDeleteRejectsNonEmptyFolder(t *testing.T) {
	f := newFakeStore()
	folder := seedNode(f, "node_docs", "docs", "", "folder", "Docs")
	seedNode(f, "node_intro", "intro", "docs", "file", "Intro")
	svc := NewService(f)
	mustStart(t, svc)

	if _, err := svc.DeleteNode(context.Background(), testUser, folder.ID); !errors.Is(err, ErrFolderNotEmpty) {
		t.Fatalf("got %v, want ErrFolderNotEmpty", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFakeStore()
	seedNode(f, "node_docs", "docs", "", "folder", "Docs")
	seedNode(f, "node_intro", "intro", "docs", "file", "Intro")
	svc := NewService(f)
	mustStart(t, svc)

	cases := []struct {
		name  string
		input CreateNodeInput
		want  error
	}{
		{
			name:  "bad slug",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "No Spaces", Title: "X", Type: "file"},
		},
		{
			name:  "bad type",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "x", Title: "X", Type: "directory"},
		},
		{
			name:  "folder with content",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "x", Title: "X", Type: "folder", Content: "nope"},
		},
		{
			name:  "missing parent",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "x", Title: "X", Type: "file", Namespace: "ghost"},
			want:  ErrParentNotFound,
		},
		{
			name:  "file as parent",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "x", Title: "X", Type: "file", Namespace: "docs/intro"},
		},
		{
			name:  "duplicate path",
			input: CreateNodeInput{PlanetID: testPlanet, Slug: "intro", Title: "X", Type: "file", Namespace: "docs"},
			want:  ErrNodeExists,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateNode(context.Background(), testUser, tc.input)
			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("got %v, want %v", err, tc.want)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want a validation error", err)
			}
		})
	}
}

func TestCreateDerivesShapeAndTier(t *testing.T) {
	f := newFakeStore()
	seedNode(f, "node_docs", "docs", "", "folder", "Docs")
	svc := NewService(f)
	mustStart(t, svc)

	node, err := svc.CreateNode(context.Background(), testUser, CreateNodeInput{
		PlanetID:  testPlanet,
		Title:     "Getting Started",
		Namespace: "/docs/",
		Type:      "file",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if node.Slug != "getting-started" {
		t.Fatalf("slug = %q, want derived from title", node.Slug)
	}
	if node.Namespace != "docs" || node.Depth != 1 || node.FilePath != "docs/getting-started" {
		t.Fatalf("unexpected shape: %+v", node)
	}
	if node.Tier != "sea" {
		t.Fatalf("tier = %q, want sea at depth 1", node.Tier)
	}
}

func TestUpdateMergesFrontmatter(t *testing.T) {
	f := newFakeStore()
	node := seedNode(f, "node_intro", "intro", "", "file", "Intro")
	node.Metadata = map[string]any{"kept": "old", "shadowed": "old"}
	f.nodes[node.ID] = node

	svc := NewService(f)
	mustStart(t, svc)

	body := "---\nshadowed: fm\ntags: [a, b]\n---\nThe body."
	updated, err := svc.UpdateNode(context.Background(), testUser, node.ID, UpdateNodeInput{
		Content:  &body,
		Metadata: map[string]any{"shadowed": "explicit"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "The body." {
		t.Fatalf("content = %q, want frontmatter stripped", updated.Content)
	}
	if updated.Metadata["kept"] != "old" {
		t.Fatalf("existing metadata must survive the merge")
	}
	if updated.Metadata["shadowed"] != "explicit" {
		t.Fatalf("explicit metadata must win over frontmatter, got %v", updated.Metadata["shadowed"])
	}
	if _, ok := updated.Metadata["tags"]; !ok {
		t.Fatalf("frontmatter fields must land in metadata")
	}
}

func TestStatusCountsChanges(t *testing.T) {
	f := newFakeStore()
	svc := NewService(f)

	status, err := svc.Status(context.Background(), testUser, testPlanet)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Session != nil {
		t.Fatalf("expected no session")
	}

	mustStart(t, svc)
	if _, err := svc.CreateNode(context.Background(), testUser, CreateNodeInput{
		PlanetID: testPlanet, Slug: "a", Title: "A", Type: "file",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	status, err = svc.Status(context.Background(), testUser, testPlanet)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Session == nil || status.Changes != 1 {
		t.Fatalf("status = %+v, want one recorded change", status)
	}
}
