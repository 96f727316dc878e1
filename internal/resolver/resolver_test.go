package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) URLs(context.Context) ([]string, error) {
	return nil, errors.New("boom")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolve_UnionNormalizesAndDedups(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "urls.txt", "# seeds\nhttps://Example.com/a#intro\n\nhttp://example.org:80/\n")
	r := New(nil)

	got, err := r.Resolve(context.Background(),
		Literal{List: []string{"https://example.com/a", " https://example.net "}},
		File{Path: path},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://example.org/",
		"https://example.com/a",
		"https://example.net",
	}, got)
}

func TestResolve_SourceOrderDoesNotMatter(t *testing.T) {
	t.Parallel()

	a := Literal{List: []string{"https://a.example/", "https://b.example/"}}
	b := Literal{List: []string{"https://b.example/", "https://c.example/"}}
	r := New(nil)

	ab, err := r.Resolve(context.Background(), a, b)
	require.NoError(t, err)
	ba, err := r.Resolve(context.Background(), b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Len(t, ab, 3)
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		sources []Source
	}{
		{"no sources", nil},
		{"empty sources", []Source{Literal{}, Literal{List: []string{"  "}}}},
		{"missing scheme", []Source{Literal{List: []string{"example.com/page"}}}},
		{"unsupported scheme", []Source{Literal{List: []string{"ftp://example.com"}}}},
		{"missing file", []Source{File{Path: "/does/not/exist.txt"}}},
		{"source error", []Source{failingSource{}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(nil).Resolve(context.Background(), tc.sources...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		content string
		ext     string
		want    []string
		wantErr bool
	}{
		{
			name:    "newline list",
			content: "https://a.example/\nhttps://b.example/\n",
			ext:     ".txt",
			want:    []string{"https://a.example/", "https://b.example/"},
		},
		{
			name:    "json array",
			content: `["https://a.example/", "https://b.example/"]`,
			ext:     ".json",
			want:    []string{"https://a.example/", "https://b.example/"},
		},
		{
			name:    "json record",
			content: `{"urls": ["https://a.example/"], "note": "ignored"}`,
			ext:     ".json",
			want:    []string{"https://a.example/"},
		},
		{
			name:    "yaml record without extension hint",
			content: "urls:\n  - https://a.example/\n  - https://b.example/\n",
			want:    []string{"https://a.example/", "https://b.example/"},
		},
		{
			name:    "yaml sequence",
			content: "- https://a.example/\n-  \n",
			ext:     ".yaml",
			want:    []string{"https://a.example/"},
		},
		{
			name:    "json scalar is rejected",
			content: `"https://a.example/"`,
			ext:     ".json",
			wantErr: true,
		},
		{
			name:    "empty",
			content: "  \n",
			want:    nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseList([]byte(tc.content), tc.ext)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
