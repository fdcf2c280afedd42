// Package tracker fetches concept text from issue trackers. A concept
// reference is a compact URI naming one issue:
//
//	jira://PROJ-123
//	github://owner/repo#42
//	gitlab://group/project#42
//
// The fetched issue becomes the concept fed to the analysis phase: its
// title as a heading, its description as the body.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	jirav3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	gogithub "github.com/google/go-github/v82/github"
	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/auto/internal/config"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// Backend identifies an issue-tracker kind.
type Backend string

const (
	BackendJira   Backend = "jira"
	BackendGitHub Backend = "github"
	BackendGitLab Backend = "gitlab"
)

const httpTimeout = 30 * time.Second

// Ref addresses a single issue.
type Ref struct {
	Backend Backend
	// Project is owner/repo (GitHub) or the full group path (GitLab).
	Project string
	// Key is the Jira issue key.
	Key string
	// Number is the GitHub/GitLab issue number.
	Number int
}

// String reassembles the URI form of the reference.
func (r Ref) String() string {
	if r.Backend == BackendJira {
		return fmt.Sprintf("jira://%s", r.Key)
	}
	return fmt.Sprintf("%s://%s#%d", r.Backend, r.Project, r.Number)
}

// ParseRef parses a concept issue URI.
func ParseRef(uri string) (Ref, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(uri), "://")
	if !ok {
		return Ref{}, autoerrors.ErrInputInvalid(
			fmt.Sprintf("malformed issue reference %q", uri),
			"expected jira://KEY, github://owner/repo#N, or gitlab://project#N")
	}

	switch Backend(strings.ToLower(scheme)) {
	case BackendJira:
		key := strings.ToUpper(rest)
		if !validJiraKey(key) {
			return Ref{}, autoerrors.ErrInputInvalid(
				fmt.Sprintf("malformed Jira issue key %q", rest),
				"expected a key like PROJ-123")
		}
		return Ref{Backend: BackendJira, Key: key}, nil

	case BackendGitHub:
		project, number, err := splitProjectNumber(uri, rest)
		if err != nil {
			return Ref{}, err
		}
		if strings.Count(project, "/") != 1 {
			return Ref{}, autoerrors.ErrInputInvalid(
				fmt.Sprintf("malformed GitHub reference %q", uri),
				"expected github://owner/repo#N")
		}
		return Ref{Backend: BackendGitHub, Project: project, Number: number}, nil

	case BackendGitLab:
		project, number, err := splitProjectNumber(uri, rest)
		if err != nil {
			return Ref{}, err
		}
		// Nested groups are fine; a bare project name is not.
		if !strings.Contains(project, "/") {
			return Ref{}, autoerrors.ErrInputInvalid(
				fmt.Sprintf("malformed GitLab reference %q", uri),
				"expected gitlab://group/project#N")
		}
		return Ref{Backend: BackendGitLab, Project: project, Number: number}, nil
	}

	return Ref{}, autoerrors.ErrInputInvalid(
		fmt.Sprintf("unknown issue tracker %q", scheme),
		"supported trackers are jira, github, and gitlab")
}

func splitProjectNumber(uri, rest string) (string, int, error) {
	project, num, ok := strings.Cut(rest, "#")
	if !ok || project == "" {
		return "", 0, autoerrors.ErrInputInvalid(
			fmt.Sprintf("malformed issue reference %q", uri),
			"missing '#<issue-number>' suffix")
	}
	number, err := strconv.Atoi(num)
	if err != nil || number <= 0 {
		return "", 0, autoerrors.ErrInputInvalid(
			fmt.Sprintf("malformed issue number %q in %q", num, uri),
			"issue number must be a positive integer")
	}
	return strings.Trim(project, "/"), number, nil
}

func validJiraKey(key string) bool {
	prefix, num, ok := strings.Cut(key, "-")
	if !ok || prefix == "" || num == "" {
		return false
	}
	for _, r := range prefix {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	if prefix[0] >= '0' && prefix[0] <= '9' {
		return false
	}
	_, err := strconv.Atoi(num)
	return err == nil
}

// Fetcher resolves concept references against their trackers.
type Fetcher struct {
	cfg    config.TrackerConfig
	logger *slog.Logger
}

// NewFetcher creates a Fetcher with credentials from cfg. Credentials
// absent from cfg fall back to the conventional environment variables.
func NewFetcher(cfg config.TrackerConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Fetch retrieves the issue behind uri and renders it as concept text.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	ref, err := ParseRef(uri)
	if err != nil {
		return "", err
	}

	f.logger.Info("fetching concept from tracker", "ref", ref.String())

	var title, body string
	switch ref.Backend {
	case BackendJira:
		title, body, err = f.fetchJira(ctx, ref)
	case BackendGitHub:
		title, body, err = f.fetchGitHub(ctx, ref)
	case BackendGitLab:
		title, body, err = f.fetchGitLab(ctx, ref)
	}
	if err != nil {
		return "", err
	}
	return formatConcept(title, body, ref), nil
}

func (f *Fetcher) fetchJira(ctx context.Context, ref Ref) (string, string, error) {
	base := firstOf(f.cfg.JiraBaseURL, os.Getenv("JIRA_BASE_URL"))
	email := firstOf(f.cfg.JiraEmail, os.Getenv("JIRA_EMAIL"))
	token := firstOf(f.cfg.JiraToken, os.Getenv("JIRA_API_TOKEN"))
	if base == "" || email == "" || token == "" {
		return "", "", autoerrors.ErrConfigInvalid("tracker",
			"Jira needs jira_base_url, jira_email, and jira_token (or JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN)")
	}

	client, err := jirav3.New(&http.Client{Timeout: httpTimeout}, strings.TrimRight(base, "/"))
	if err != nil {
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), err)
	}
	client.Auth.SetBasicAuth(email, token)
	client.Auth.SetUserAgent("auto-concept-fetch/1.0")

	issue, resp, err := client.Issue.Get(ctx, ref.Key, []string{"summary", "description"}, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), err)
	}
	if issue == nil || issue.Fields == nil {
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), fmt.Errorf("issue has no fields"))
	}
	return issue.Fields.Summary, markdownFromADF(issue.Fields.Description), nil
}

func (f *Fetcher) fetchGitHub(ctx context.Context, ref Ref) (string, string, error) {
	client := gogithub.NewClient(&http.Client{Timeout: httpTimeout})
	token := firstOf(f.cfg.GitHubToken, os.Getenv("GITHUB_TOKEN"))
	if token != "" {
		client = client.WithAuthToken(token)
	} else {
		// Public repos work anonymously, just rate-limited.
		f.logger.Debug("no GitHub token configured, fetching anonymously")
	}

	owner, repo, _ := strings.Cut(ref.Project, "/")
	issue, resp, err := client.Issues.Get(ctx, owner, repo, ref.Number)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), err)
	}
	return issue.GetTitle(), issue.GetBody(), nil
}

func (f *Fetcher) fetchGitLab(ctx context.Context, ref Ref) (string, string, error) {
	token := firstOf(f.cfg.GitLabToken, os.Getenv("GITLAB_TOKEN"), os.Getenv("GITLAB_PRIVATE_TOKEN"))

	opts := []gogitlab.ClientOptionFunc{}
	if base := firstOf(f.cfg.GitLabBaseURL, os.Getenv("GITLAB_BASE_URL")); base != "" {
		opts = append(opts, gogitlab.WithBaseURL(strings.TrimRight(base, "/")+"/api/v4"))
	}
	client, err := gogitlab.NewClient(token, opts...)
	if err != nil {
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), err)
	}

	issue, resp, err := client.Issues.GetIssue(ref.Project, int64(ref.Number), gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
		}
		return "", "", autoerrors.ErrTrackerFailed(ref.String(), err)
	}
	return issue.Title, issue.Description, nil
}

// formatConcept renders a fetched issue as concept text for analysis.
func formatConcept(title, body string, ref Ref) string {
	var b strings.Builder
	title = strings.TrimSpace(title)
	if title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "(Source: %s)\n", ref.String())
	return b.String()
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
