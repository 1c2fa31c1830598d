// Package snapshot publishes read-only app versions of notebooks into a git
// repository per document, so every published version stays addressable.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"notebook/api/internal/notebook"
)

const (
	appFile    = "app.json"
	mainBranch = "main"
)

var ErrNotPublished = errors.New("document has not been published")

// App is the committed form of a published version.
type App struct {
	DocumentID  string          `json:"documentId"`
	Title       string          `json:"title"`
	Blocks      int             `json:"blocks"`
	PublishedAt time.Time       `json:"publishedAt"`
	State       json.RawMessage `json:"state"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Publish copies doc (keeping block ids, dropping queues and run state) and
// commits the copy as the newest version on main.
func (s *Service) Publish(documentID string, doc *notebook.Document, author string) (Commit, error) {
	app := notebook.New(appDocumentID(documentID), "publisher")
	if _, err := notebook.Duplicate(doc, app, nil, notebook.DuplicateOptions{KeepIDs: true}); err != nil {
		return Commit{}, fmt.Errorf("copy document for publishing: %w", err)
	}
	state, err := app.CRDT().EncodeState()
	if err != nil {
		return Commit{}, fmt.Errorf("encode published state: %w", err)
	}
	blocks, err := app.Blocks()
	if err != nil {
		return Commit{}, fmt.Errorf("read published blocks: %w", err)
	}
	content := App{
		DocumentID:  documentID,
		Title:       app.Title(),
		Blocks:      len(blocks),
		PublishedAt: s.now().UTC(),
		State:       state,
	}

	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return Commit{}, err
	}
	message := fmt.Sprintf("Publish %q (%d blocks)", content.Title, content.Blocks)
	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return Commit{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists published versions, newest first. limit <= 0 returns all.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Commit
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Load rebuilds the app document of a published version. An empty hash loads
// the latest one.
func (s *Service) Load(documentID, hash string) (*notebook.Document, App, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, App{}, err
	}
	revision := hash
	if revision == "" {
		revision = mainBranch
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, App{}, fmt.Errorf("resolve version %s: %w", revision, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, App{}, fmt.Errorf("read commit %s: %w", revision, err)
	}
	content, err := readApp(commitObj)
	if err != nil {
		return nil, App{}, err
	}

	app := notebook.New(appDocumentID(documentID), "viewer")
	if err := app.CRDT().LoadState(content.State); err != nil {
		return nil, App{}, fmt.Errorf("load published state: %w", err)
	}
	return app, content, nil
}

func appDocumentID(documentID string) string { return "app-" + documentID }

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotPublished, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return s.open(documentID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// the first commit lands on main instead of git's default branch
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, content App, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal app: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), appFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", appFile, err)
	}
	if _, err := worktree.Add(appFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", appFile, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@notebook.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit app: %w", err)
	}
	return hash, nil
}

func readApp(commitObj *object.Commit) (App, error) {
	file, err := commitObj.File(appFile)
	if err != nil {
		return App{}, fmt.Errorf("load %s from commit: %w", appFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return App{}, fmt.Errorf("open app reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return App{}, fmt.Errorf("read app bytes: %w", err)
	}
	var content App
	if err := json.Unmarshal(raw, &content); err != nil {
		return App{}, fmt.Errorf("decode app: %w", err)
	}
	return content, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
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
