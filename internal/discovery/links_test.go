package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<a href="/about">About</a>
<a href="/about#team">About again</a>
<a href="https://Example.com:443/about">Same page, other spelling</a>
<a href="products?b=2&a=1">Products</a>
<a href="https://other.org">Other</a>
<a href="#top">Top</a>
<a href="javascript:void(0)">JS</a>
<a href="mailto:me@example.com">Mail</a>
<a href="tel:+123">Call</a>
<a href="data:text/plain,hi">Data</a>
<a href="ftp://files.example.com/x">FTP</a>
<a href="  ">Blank</a>
</body></html>`

	links, err := ExtractLinks([]byte(page), "https://example.com/docs/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/docs/products?a=1&b=2",
		"https://other.org/",
	}, links)
}

func TestExtractLinksHonoursBaseHref(t *testing.T) {
	t.Parallel()

	page := `<html><head><base href="https://cdn.example.com/v2/"></head>
<body><a href="guide">Guide</a></body></html>`

	links, err := ExtractLinks([]byte(page), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/v2/guide"}, links)
}

func TestExtractLinksBadPageURL(t *testing.T) {
	t.Parallel()

	_, err := ExtractLinks([]byte("<a href='/x'>x</a>"), "://bad")
	require.Error(t, err)
}
