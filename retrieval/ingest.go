// ABOUTME: Repository ingest: extracts ZIP archives or GitHub downloads, walks source files and chunks them by lines.
// ABOUTME: Files are read in parallel with a bounded errgroup; vendored, hidden and binary content is skipped.
package retrieval

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// IngestOptions bounds what is indexed.
type IngestOptions struct {
	MaxFileBytes int64 // files larger than this are skipped
	ChunkLines   int   // lines per chunk
	Overlap      int   // lines shared by consecutive chunks
	Workers      int   // parallel file readers
}

// DefaultIngestOptions returns limits suited to typical application repositories.
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{MaxFileBytes: 512 << 10, ChunkLines: 60, Overlap: 10, Workers: 8}
}

// maxArchiveBytes caps total uncompressed bytes extracted from an archive.
const maxArchiveBytes = 512 << 20

var skipDirs = map[string]bool{
	"node_modules": true, "vendor": true, "dist": true, "build": true, "target": true,
	"__pycache__": true, ".git": true, ".venv": true, "venv": true, ".idea": true, ".vscode": true,
}

var languages = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".jsx": "javascript", ".ts": "typescript",
	".tsx": "typescript", ".java": "java", ".kt": "kotlin", ".rb": "ruby", ".rs": "rust",
	".c": "c", ".h": "c", ".cpp": "cpp", ".hpp": "cpp", ".cs": "csharp", ".php": "php",
	".swift": "swift", ".scala": "scala", ".sql": "sql", ".sh": "shell", ".md": "markdown",
	".yaml": "yaml", ".yml": "yaml", ".toml": "toml", ".json": "json", ".html": "html",
	".css": "css", ".proto": "protobuf", ".tf": "terraform", ".dockerfile": "docker",
}

// LanguageFor returns the language for a file name, or "" when unsupported.
func LanguageFor(name string) string {
	base := strings.ToLower(filepath.Base(name))
	if base == "dockerfile" {
		return "docker"
	}
	if base == "makefile" {
		return "make"
	}
	return languages[strings.ToLower(filepath.Ext(name))]
}

// IngestDir walks root and returns chunks for every supported source file.
func IngestDir(ctx context.Context, root string, opts IngestOptions) ([]Chunk, error) {
	if opts.ChunkLines <= 0 {
		opts = DefaultIngestOptions()
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || LanguageFor(path) == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > opts.MaxFileBytes || info.Size() == 0 {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	var (
		mu     sync.Mutex
		chunks []Chunk
	)
	g, gctx := errgroup.WithContext(ctx)
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			if !utf8.Valid(data) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = path
			}
			fileChunks := chunkFile(filepath.ToSlash(rel), string(data), opts)
			mu.Lock()
			chunks = append(chunks, fileChunks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Source != chunks[j].Source {
			return chunks[i].Source < chunks[j].Source
		}
		return chunks[i].StartLine < chunks[j].StartLine
	})
	return chunks, nil
}

// chunkFile splits content into overlapping line windows.
func chunkFile(source, content string, opts IngestOptions) []Chunk {
	lines := strings.Split(content, "\n")
	lang := LanguageFor(source)
	tags := tagsFor(source, lang)
	step := opts.ChunkLines - opts.Overlap
	if step <= 0 {
		step = opts.ChunkLines
	}
	var out []Chunk
	for start := 0; start < len(lines); start += step {
		end := min(start+opts.ChunkLines, len(lines))
		text := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if text != "" {
			out = append(out, Chunk{
				Source:    source,
				Language:  lang,
				StartLine: start + 1,
				EndLine:   end,
				Content:   text,
				Tags:      tags,
			})
		}
		if end == len(lines) {
			break
		}
	}
	return out
}

func tagsFor(source, lang string) []string {
	tags := []string{}
	if lang != "" {
		tags = append(tags, lang)
	}
	lower := strings.ToLower(source)
	base := filepath.Base(lower)
	switch {
	case strings.Contains(lower, "_test.") || strings.Contains(lower, "/test") || strings.HasPrefix(lower, "test"):
		tags = append(tags, "test")
	case lang == "yaml" || lang == "toml" || lang == "json" || strings.HasPrefix(base, ".env"):
		tags = append(tags, "config")
	case strings.TrimSuffix(base, filepath.Ext(base)) == "main" || strings.HasPrefix(base, "app."):
		tags = append(tags, "entrypoint")
	}
	return tags
}

// ExtractZip unpacks the archive at zipPath into destDir, rejecting entries
// that would escape destDir.
func ExtractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	var written int64
	for _, f := range r.File {
		target := filepath.Join(absDest, filepath.FromSlash(f.Name))
		if target != absDest && !strings.HasPrefix(target, absDest+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		n, err := extractZipFile(f, target, maxArchiveBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func extractZipFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if n > budget {
		return n, fmt.Errorf("archive exceeds %d bytes uncompressed", int64(maxArchiveBytes))
	}
	return n, nil
}

// GitHubArchiveURL converts a repository URL such as
// https://github.com/owner/repo (optionally /tree/<branch>) into its zip download URL.
func GitHubArchiveURL(repoURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(repoURL), ".git"))
	if err != nil {
		return "", fmt.Errorf("parse repository URL: %w", err)
	}
	if u.Host != "github.com" && u.Host != "www.github.com" {
		return "", fmt.Errorf("unsupported repository host %q", u.Host)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("repository URL %q must name owner and repo", repoURL)
	}
	branch := "HEAD"
	if len(parts) >= 4 && parts[2] == "tree" {
		branch = strings.Join(parts[3:], "/")
	}
	if branch == "HEAD" {
		return fmt.Sprintf("https://github.com/%s/%s/archive/HEAD.zip", parts[0], parts[1]), nil
	}
	return fmt.Sprintf("https://github.com/%s/%s/archive/refs/heads/%s.zip", parts[0], parts[1], branch), nil
}

// Download fetches rawURL into a new temp file under dir and returns its path.
func Download(ctx context.Context, client *http.Client, rawURL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	f, err := os.CreateTemp(dir, "download-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxArchiveBytes)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("save download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
