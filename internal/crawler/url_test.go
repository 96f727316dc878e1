package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/a?b=2&a=1#frag", "http://example.com/a?a=1&b=2"},
		{"https://example.com:443/", "https://example.com/"},
		{"  https://example.com/x  ", "https://example.com/x"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "ftp://example.com/", "mailto:a@b.c", "https://", "::not a url"} {
		_, err := NormalizeURL(in)
		require.ErrorIs(t, err, ErrInvalidURL, in)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", HostOf("https://EXAMPLE.com:8080/x"))
	assert.Equal(t, "", HostOf("::bad"))
}

func TestCrawlableLink(t *testing.T) {
	t.Parallel()

	assert.True(t, crawlableLink("/about"))
	assert.True(t, crawlableLink("https://example.com/page?x=1"))
	assert.False(t, crawlableLink("#top"))
	assert.False(t, crawlableLink("mailto:team@example.com"))
	assert.False(t, crawlableLink("TEL:+1555"))
	assert.False(t, crawlableLink("javascript:void(0)"))
	assert.False(t, crawlableLink("/files/report.PDF"))
	assert.False(t, crawlableLink("/img/logo.png?v=2"))
	assert.False(t, crawlableLink("   "))
}
