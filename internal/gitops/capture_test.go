package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// fakeRunner serves canned outputs keyed by the joined git arguments.
type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     [][]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func fakeRepo(responses map[string]string, errs map[string]error) (*Repo, *fakeRunner) {
	runner := &fakeRunner{responses: responses, errs: errs}
	return NewRepo("/work", WithRunner(runner)), runner
}

func TestChangedFiles_ParsesPorcelain(t *testing.T) {
	out := " M internal/db/store.go\n" +
		"M  cmd/auto/main.go\n" +
		"?? notes.txt\n" +
		"R  old.go -> new.go\n" +
		"A  \"quoted.go\"\n" +
		" M internal/db/store.go"

	repo, _ := fakeRepo(map[string]string{"status --porcelain": out}, nil)
	files, err := repo.ChangedFiles(context.Background())
	if err != nil {
		t.Fatalf("ChangedFiles() error: %v", err)
	}

	want := []string{"internal/db/store.go", "cmd/auto/main.go", "notes.txt", "new.go", "quoted.go"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestChangedFiles_CleanTree(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{"status --porcelain": ""}, nil)
	files, err := repo.ChangedFiles(context.Background())
	if err != nil {
		t.Fatalf("ChangedFiles() error: %v", err)
	}
	if files == nil || len(files) != 0 {
		t.Errorf("files = %v, want empty non-nil", files)
	}
}

func TestReviewDiff_ScopedFits(t *testing.T) {
	repo, runner := fakeRepo(map[string]string{
		"diff HEAD -- a.go b.go": "small scoped diff",
	}, nil)

	diff, tier, err := repo.ReviewDiff(context.Background(), []string{"a.go", "b.go"}, 1000)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierScoped {
		t.Errorf("tier = %s, want scoped", tier)
	}
	if diff != "small scoped diff" {
		t.Errorf("diff = %q", diff)
	}
	if len(runner.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(runner.calls))
	}
}

func TestReviewDiff_ScopedTooBigFallsToStat(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{
		"diff HEAD -- a.go": strings.Repeat("x", 500),
		"diff HEAD --stat":  " a.go | 120 ++--\n 1 file changed",
	}, nil)

	// 500 chars = 125 tokens, over the 100-token budget.
	diff, tier, err := repo.ReviewDiff(context.Background(), []string{"a.go"}, 100)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierStat {
		t.Errorf("tier = %s, want stat", tier)
	}
	if !strings.Contains(diff, "1 file changed") {
		t.Errorf("diff = %q, want stat summary", diff)
	}
}

func TestReviewDiff_FullTreeWhenNoFiles(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{
		"diff HEAD": "full tree diff",
	}, nil)

	diff, tier, err := repo.ReviewDiff(context.Background(), nil, 1000)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierFull {
		t.Errorf("tier = %s, want full", tier)
	}
	if diff != "full tree diff" {
		t.Errorf("diff = %q", diff)
	}
}

func TestReviewDiff_FullTooBigFallsToStat(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{
		"diff HEAD":        strings.Repeat("y", 500),
		"diff HEAD --stat": "summary",
	}, nil)

	_, tier, err := repo.ReviewDiff(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierStat {
		t.Errorf("tier = %s, want stat", tier)
	}
}

func TestReviewDiff_ScopedErrorFallsToStat(t *testing.T) {
	repo, _ := fakeRepo(
		map[string]string{"diff HEAD --stat": "summary"},
		map[string]error{"diff HEAD -- gone.go": errors.New("unknown revision")},
	)

	diff, tier, err := repo.ReviewDiff(context.Background(), []string{"gone.go"}, 1000)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierStat || diff != "summary" {
		t.Errorf("got (%q, %s), want stat summary", diff, tier)
	}
}

func TestReviewDiff_StatClippedToBudget(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{
		"diff HEAD":        strings.Repeat("z", 500),
		"diff HEAD --stat": "12345678",
	}, nil)

	diff, tier, err := repo.ReviewDiff(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierStat {
		t.Errorf("tier = %s, want stat", tier)
	}
	if diff != "1234" {
		t.Errorf("diff = %q, want clipped to 4 chars", diff)
	}
}

func TestReviewDiff_ZeroBudgetUnlimited(t *testing.T) {
	repo, _ := fakeRepo(map[string]string{
		"diff HEAD": strings.Repeat("big", 100000),
	}, nil)

	_, tier, err := repo.ReviewDiff(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierFull {
		t.Errorf("tier = %s, want full", tier)
	}
}

func TestReviewDiff_StatErrorPropagates(t *testing.T) {
	repo, _ := fakeRepo(nil, map[string]error{
		"diff HEAD":        errors.New("no HEAD"),
		"diff HEAD --stat": errors.New("no HEAD"),
	})

	_, _, err := repo.ReviewDiff(context.Background(), nil, 100)
	if err == nil {
		t.Fatal("expected error when every tier fails")
	}
}

func TestDiffTierString(t *testing.T) {
	tests := []struct {
		tier DiffTier
		want string
	}{
		{TierScoped, "scoped"},
		{TierFull, "full"},
		{TierStat, "stat"},
		{DiffTier(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.tier.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.tier, got, tt.want)
		}
	}
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}

	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	readme := filepath.Join(tmpDir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return tmpDir
}

func TestChangedFiles_RealRepo(t *testing.T) {
	tmpDir := setupTestRepo(t)
	repo := NewRepo(tmpDir)

	files, err := repo.ChangedFiles(context.Background())
	if err != nil {
		t.Fatalf("ChangedFiles() error: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("clean repo files = %v, want none", files)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# Changed\n"), 0644); err != nil {
		t.Fatalf("modify README: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "new.txt"), []byte("new\n"), 0644); err != nil {
		t.Fatalf("write new file: %v", err)
	}

	files, err = repo.ChangedFiles(context.Background())
	if err != nil {
		t.Fatalf("ChangedFiles() error: %v", err)
	}
	want := map[string]bool{"README.md": true, "new.txt": true}
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2 entries", files)
	}
	for _, f := range files {
		if !want[f] {
			t.Errorf("unexpected file %q", f)
		}
	}
}

func TestReviewDiff_RealRepo(t *testing.T) {
	tmpDir := setupTestRepo(t)
	repo := NewRepo(tmpDir)

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# Changed\n"), 0644); err != nil {
		t.Fatalf("modify README: %v", err)
	}

	diff, tier, err := repo.ReviewDiff(context.Background(), []string{"README.md"}, 100000)
	if err != nil {
		t.Fatalf("ReviewDiff() error: %v", err)
	}
	if tier != TierScoped {
		t.Errorf("tier = %s, want scoped", tier)
	}
	if !strings.Contains(diff, "README.md") || !strings.Contains(diff, "+# Changed") {
		t.Errorf("diff missing expected content:\n%s", diff)
	}
}
