package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/auto/internal/config"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want Ref
	}{
		{
			name: "jira key",
			uri:  "jira://PROJ-123",
			want: Ref{Backend: BackendJira, Key: "PROJ-123"},
		},
		{
			name: "jira key is uppercased",
			uri:  "jira://proj-9",
			want: Ref{Backend: BackendJira, Key: "PROJ-9"},
		},
		{
			name: "github issue",
			uri:  "github://acme/widgets#42",
			want: Ref{Backend: BackendGitHub, Project: "acme/widgets", Number: 42},
		},
		{
			name: "gitlab issue",
			uri:  "gitlab://acme/widgets#7",
			want: Ref{Backend: BackendGitLab, Project: "acme/widgets", Number: 7},
		},
		{
			name: "gitlab nested group",
			uri:  "gitlab://acme/platform/widgets#7",
			want: Ref{Backend: BackendGitLab, Project: "acme/platform/widgets", Number: 7},
		},
		{
			name: "scheme is case insensitive",
			uri:  "GitHub://acme/widgets#1",
			want: Ref{Backend: BackendGitHub, Project: "acme/widgets", Number: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRef_Rejects(t *testing.T) {
	bad := []string{
		"PROJ-123",                  // no scheme
		"bugzilla://PROJ-123",       // unknown tracker
		"jira://",                   // empty key
		"jira://PROJ",               // no issue number
		"jira://-12",                // empty project prefix
		"jira://1AB-2",              // prefix starts with a digit
		"github://acme/widgets",     // missing #N
		"github://acme#3",           // missing repo
		"github://a/b/c#3",          // too many segments for github
		"gitlab://widgets#3",        // bare project name
		"github://acme/widgets#0",   // issue numbers start at 1
		"github://acme/widgets#abc", // not a number
	}
	for _, uri := range bad {
		_, err := ParseRef(uri)
		require.Error(t, err, "uri %q", uri)
		assert.True(t, autoerrors.IsCode(err, autoerrors.CodeInputInvalid), "uri %q", uri)
	}
}

func TestRefString(t *testing.T) {
	for _, uri := range []string{
		"jira://PROJ-123",
		"github://acme/widgets#42",
		"gitlab://acme/platform/widgets#7",
	} {
		ref, err := ParseRef(uri)
		require.NoError(t, err)
		assert.Equal(t, uri, ref.String())
	}
}

func TestFormatConcept(t *testing.T) {
	ref := Ref{Backend: BackendGitHub, Project: "acme/widgets", Number: 42}

	got := formatConcept("Add CSV export", "Users want to download reports.\n", ref)
	assert.Equal(t, "# Add CSV export\n\nUsers want to download reports.\n\n(Source: github://acme/widgets#42)\n", got)

	got = formatConcept("Title only", "", ref)
	assert.Equal(t, "# Title only\n\n(Source: github://acme/widgets#42)\n", got)
}

func TestFetch_MalformedURI(t *testing.T) {
	f := NewFetcher(config.TrackerConfig{}, nil)
	_, err := f.Fetch(context.Background(), "not-a-ref")
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeInputInvalid))
}

func TestFetch_JiraWithoutCredentials(t *testing.T) {
	t.Setenv("JIRA_BASE_URL", "")
	t.Setenv("JIRA_EMAIL", "")
	t.Setenv("JIRA_API_TOKEN", "")

	f := NewFetcher(config.TrackerConfig{}, nil)
	_, err := f.Fetch(context.Background(), "jira://PROJ-1")
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeConfigInvalid))
	assert.Contains(t, err.Error(), "jira_base_url")
}
