package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/memory"
)

// IsRemote reports whether target looks like a git URL rather than a path.
func IsRemote(target string) bool {
	for _, prefix := range []string{"http://", "https://", "ssh://", "git://", "git@", "file://"} {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// Load reads manuscripts from target: a git URL is cloned into memory, a
// local git repository is read at HEAD, any other directory is walked.
func Load(ctx context.Context, target string, opts Options) (*Result, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	if IsRemote(target) {
		repo, err := CloneRepository(ctx, target)
		if err != nil {
			return nil, err
		}
		return LoadRepository(ctx, repo, target, opts)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidTarget, target)
	}
	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		repo, err := OpenRepository(target)
		if err != nil {
			return nil, err
		}
		return LoadRepository(ctx, repo, target, opts)
	}
	return LoadDir(ctx, target, opts)
}

// OpenRepository opens a Git repository from a local path
func OpenRepository(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return repo, nil
}

// CloneRepository clones a Git repository to memory
func CloneRepository(ctx context.Context, url string) (*git.Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo, err := git.Clone(memory.NewStorage(), nil, &git.CloneOptions{
		URL:   url,
		Depth: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return repo, nil
}

// LoadRepository reads manuscript files from the HEAD commit's tree.
func LoadRepository(ctx context.Context, repo *git.Repository, target string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	result := &Result{Target: target, Revision: commit.Hash.String()}
	err = tree.Files().ForEach(func(file *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !opts.accepts(file.Name) {
			return nil
		}
		if isBinary, _ := file.IsBinary(); isBinary {
			return nil
		}
		content, err := file.Contents()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		result.Manuscripts = append(result.Manuscripts, Manuscript{Path: file.Name, Content: content})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finish(result, opts)
}

// LoadDir walks root and reads every accepted file, skipping hidden directories.
func LoadDir(ctx context.Context, root string, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	result := &Result{Target: root}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !opts.accepts(path) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		result.Manuscripts = append(result.Manuscripts, Manuscript{
			Path:    filepath.ToSlash(rel),
			Content: string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finish(result, opts)
}

// finish orders manuscripts by path and splits them into passages.
func finish(result *Result, opts Options) (*Result, error) {
	if len(result.Manuscripts) == 0 {
		return nil, fmt.Errorf("%w in %s (extensions %s)", ErrNoManuscripts, result.Target, strings.Join(opts.Extensions, ","))
	}
	sort.Slice(result.Manuscripts, func(i, j int) bool {
		return result.Manuscripts[i].Path < result.Manuscripts[j].Path
	})
	for _, m := range result.Manuscripts {
		result.Passages = append(result.Passages, Split(m.Path, m.Content, opts)...)
	}
	return result, nil
}
