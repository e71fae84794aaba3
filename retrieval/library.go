// ABOUTME: Library maps project IDs to persisted retrieval indexes under a data directory.
// ABOUTME: Handles ingest from directories, ZIP archives and GitHub URLs and caches loaded indexes.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrProjectNotIndexed is returned when a project has no index on disk.
var ErrProjectNotIndexed = errors.New("project not indexed")

var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidProjectID reports whether id is safe to use as a directory name.
func ValidProjectID(id string) bool {
	return projectIDRe.MatchString(id) && !strings.Contains(id, "..")
}

// Library stores one index per project at <dir>/<project>/index.json.
type Library struct {
	dir     string
	opts    IngestOptions
	client  *http.Client
	mu      sync.Mutex
	indexes map[string]*Index
}

// NewLibrary creates a library rooted at dir.
func NewLibrary(dir string, opts IngestOptions) *Library {
	return &Library{
		dir:     dir,
		opts:    opts,
		client:  &http.Client{Timeout: 5 * time.Minute},
		indexes: make(map[string]*Index),
	}
}

// WithHTTPClient overrides the client used for GitHub downloads.
func (l *Library) WithHTTPClient(c *http.Client) *Library {
	l.client = c
	return l
}

// IngestResult reports what an ingest indexed.
type IngestResult struct {
	ProjectID string `json:"project_id"`
	Files     int    `json:"files"`
	Chunks    int    `json:"chunks"`
}

// IngestDir indexes the directory at root for project.
func (l *Library) IngestDir(ctx context.Context, project, root string) (IngestResult, error) {
	if !ValidProjectID(project) {
		return IngestResult{}, fmt.Errorf("invalid project id %q", project)
	}
	chunks, err := IngestDir(ctx, root, l.opts)
	if err != nil {
		return IngestResult{}, err
	}
	idx := NewIndex()
	idx.Add(chunks...)
	if err := idx.Save(l.indexPath(project)); err != nil {
		return IngestResult{}, err
	}
	l.mu.Lock()
	l.indexes[project] = idx
	l.mu.Unlock()

	files := make(map[string]bool)
	for _, c := range chunks {
		files[c.Source] = true
	}
	log.Printf("component=retrieval action=ingest project=%s files=%d chunks=%d", project, len(files), len(chunks))
	return IngestResult{ProjectID: project, Files: len(files), Chunks: len(chunks)}, nil
}

// IngestZip extracts the archive into the project's source directory and indexes it.
func (l *Library) IngestZip(ctx context.Context, project, zipPath string) (IngestResult, error) {
	if !ValidProjectID(project) {
		return IngestResult{}, fmt.Errorf("invalid project id %q", project)
	}
	src := filepath.Join(l.dir, project, "source")
	if err := os.RemoveAll(src); err != nil {
		return IngestResult{}, fmt.Errorf("clear source dir: %w", err)
	}
	if err := os.MkdirAll(src, 0755); err != nil {
		return IngestResult{}, fmt.Errorf("create source dir: %w", err)
	}
	if err := ExtractZip(zipPath, src); err != nil {
		return IngestResult{}, err
	}
	return l.IngestDir(ctx, project, src)
}

// IngestGitHub downloads a repository archive and indexes it.
func (l *Library) IngestGitHub(ctx context.Context, project, repoURL string) (IngestResult, error) {
	archiveURL, err := GitHubArchiveURL(repoURL)
	if err != nil {
		return IngestResult{}, err
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return IngestResult{}, err
	}
	zipPath, err := Download(ctx, l.client, archiveURL, l.dir)
	if err != nil {
		return IngestResult{}, err
	}
	defer os.Remove(zipPath)
	return l.IngestZip(ctx, project, zipPath)
}

// Index returns the project's index, loading it from disk on first use.
func (l *Library) Index(project string) (*Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.indexes[project]; ok {
		return idx, nil
	}
	if !ValidProjectID(project) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotIndexed, project)
	}
	idx, err := LoadIndex(l.indexPath(project))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotIndexed, project)
	}
	if err != nil {
		return nil, err
	}
	l.indexes[project] = idx
	return idx, nil
}

// Searcher returns a Searcher bound to project. A project without an index
// searches as empty rather than failing, so runs can proceed without retrieval.
func (l *Library) Searcher(project string) Searcher {
	return projectSearcher{lib: l, project: project}
}

func (l *Library) indexPath(project string) string {
	return filepath.Join(l.dir, project, "index.json")
}

type projectSearcher struct {
	lib     *Library
	project string
}

func (p projectSearcher) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	idx, err := p.lib.Index(p.project)
	if errors.Is(err, ErrProjectNotIndexed) {
		return []Hit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, query, k)
}
