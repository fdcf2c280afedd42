package gitops

import (
	"context"
	"strconv"
	"strings"

	"github.com/randalmurphal/auto/internal/prompt"
)

// DiffTier identifies which capture strategy produced a review diff.
type DiffTier int

const (
	// TierScoped is a diff restricted to the files the dev agent reported.
	TierScoped DiffTier = iota + 1
	// TierFull is a whole-tree diff, used when no file list is available.
	TierFull
	// TierStat is the --stat summary fallback for oversized diffs.
	TierStat
)

func (t DiffTier) String() string {
	switch t {
	case TierScoped:
		return "scoped"
	case TierFull:
		return "full"
	case TierStat:
		return "stat"
	default:
		return "unknown"
	}
}

// Repo runs git against one working tree.
type Repo struct {
	dir    string
	runner CommandRunner
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithRunner replaces the default ExecRunner, primarily for tests.
func WithRunner(r CommandRunner) RepoOption {
	return func(repo *Repo) {
		repo.runner = r
	}
}

// NewRepo wraps the working tree at dir. The directory is not validated
// here; the first git command surfaces any problem.
func NewRepo(dir string, opts ...RepoOption) *Repo {
	r := &Repo{dir: dir, runner: ExecRunner{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the working tree path.
func (r *Repo) Dir() string {
	return r.dir
}

// ChangedFiles lists paths with uncommitted changes, parsed from
// `git status --porcelain`. Renames report the new path. The result is
// de-duplicated in status order and never nil.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// DiffHead diffs the working tree (staged and unstaged) against HEAD,
// optionally scoped to paths.
func (r *Repo) DiffHead(ctx context.Context, paths ...string) (string, error) {
	args := []string{"diff", "HEAD"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return r.git(ctx, args...)
}

// DiffStat returns the --stat summary of working-tree changes.
func (r *Repo) DiffStat(ctx context.Context) (string, error) {
	return r.git(ctx, "diff", "HEAD", "--stat")
}

// ReviewDiff captures a diff for code review under a token budget.
// With a file list it tries a scoped diff first; without one it tries the
// full tree. Either way an oversized or failed capture degrades to the
// stat summary, clipped to the budget. A budget of zero is unlimited.
func (r *Repo) ReviewDiff(ctx context.Context, files []string, tokenBudget int) (string, DiffTier, error) {
	if len(files) > 0 {
		diff, err := r.DiffHead(ctx, files...)
		if err == nil && fits(diff, tokenBudget) {
			return diff, TierScoped, nil
		}
	} else {
		diff, err := r.DiffHead(ctx)
		if err == nil && fits(diff, tokenBudget) {
			return diff, TierFull, nil
		}
	}

	stat, err := r.DiffStat(ctx)
	if err != nil {
		return "", TierStat, err
	}
	if tokenBudget > 0 && len(stat) > tokenBudget*4 {
		stat = stat[:tokenBudget*4]
	}
	return stat, TierStat, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.dir, "git", args...)
}

func fits(diff string, tokenBudget int) bool {
	return tokenBudget <= 0 || prompt.EstimateTokens(diff) <= tokenBudget
}

func parsePorcelain(out string) []string {
	files := []string{}
	seen := map[string]bool{}

	for _, line := range strings.Split(out, "\n") {
		// Format is "XY path"; anything shorter has no path.
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = unquotePath(path)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}

	return files
}

// unquotePath strips the C-style quoting git applies to paths with
// special characters.
func unquotePath(path string) string {
	if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
		if unquoted, err := strconv.Unquote(path); err == nil {
			return unquoted
		}
	}
	return path
}
