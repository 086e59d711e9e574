// Package archive keeps a git repository per planet. Each applied editing
// session lands as one commit holding the full markdown snapshot of the
// tree, which gives planets a browsable history for free.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitInfo describes one snapshot commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot replaces the planet repo's working tree with the given
// files (relative path -> contents) and commits the result to main. The
// repo is created on first use.
func (s *Service) CommitSnapshot(planetSlug string, files map[string]string, author, message string) (CommitInfo, error) {
	lock := s.planetLock(planetSlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(planetSlug)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	if err := clearWorktree(root); err != nil {
		return CommitInfo{}, err
	}
	for name, body := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return CommitInfo{}, fmt.Errorf("create snapshot dir: %w", err)
		}
		if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
			return CommitInfo{}, fmt.Errorf("write snapshot file %s: %w", name, err)
		}
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.dropz.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists snapshot commits for a planet, newest first. A planet with
// no archive yet has empty history.
func (s *Service) History(planetSlug string, limit int) ([]CommitInfo, error) {
	lock := s.planetLock(planetSlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planetSlug))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	if limit < 0 {
		limit = 0
	}
	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// FileAt reads one file from a snapshot commit.
func (s *Service) FileAt(planetSlug, hash, name string) (string, error) {
	lock := s.planetLock(planetSlug)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planetSlug))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	return file.Contents()
}

func (s *Service) ensureRepo(planetSlug string) (*git.Repository, error) {
	path := s.repoPath(planetSlug)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(planetSlug string) string {
	return filepath.Join(s.baseDir, planetSlug)
}

func (s *Service) planetLock(planetSlug string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[planetSlug]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[planetSlug] = lock
	return lock
}

func clearWorktree(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read worktree: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return fmt.Errorf("clear worktree entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// SnapshotFiles renders the archive layout for a planet tree: every file
// node becomes "<file_path>.md", every folder a ".gitkeep" so empty
// folders survive the commit.
func SnapshotFiles(nodes []SnapshotNode) map[string]string {
	files := make(map[string]string, len(nodes))
	for _, node := range nodes {
		if node.Folder {
			files[node.FilePath+"/.gitkeep"] = ""
			continue
		}
		files[node.FilePath+".md"] = node.Content
	}
	return files
}

// SnapshotNode is the minimal node shape the archive needs.
type SnapshotNode struct {
	FilePath string
	Folder   bool
	Content  string
}

// SortedPaths is a stable listing of a snapshot's file names, mostly for
// tests and logging.
func SortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for name := range files {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}
