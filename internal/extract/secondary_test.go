package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondaryExtractsFromArticleContainer(t *testing.T) {
	t.Parallel()
	page := `<html><head><meta name="author" content="Jane Smith"/></head>
<body>
<h1>Treasury yields edge lower</h1>
<div class="sidebar"><p>Trending: five things to watch</p></div>
<article>
<p>Treasury yields edged lower on Wednesday after the auction drew stronger
demand than dealers expected.</p>
<p>The ten year note yielded 4.21 percent by the close, down three basis
points on the session.</p>
</article>
</body></html>`

	body, err := NewSecondary().Extract(page, "https://reuters.com/markets/bonds")
	require.NoError(t, err)
	assert.Contains(t, body.Text, "auction drew stronger")
	assert.Contains(t, body.Text, "4.21 percent")
	// Container match excludes sidebar modules.
	assert.NotContains(t, body.Text, "Trending")
	assert.Equal(t, "Treasury yields edge lower", body.Headline)
	assert.Equal(t, []string{"Jane Smith"}, body.Authors)
}

func TestSecondaryFallsBackToAllParagraphs(t *testing.T) {
	t.Parallel()
	page := `<html><body>
<p>First paragraph without any container.</p>
<p>Second paragraph still counts.</p>
</body></html>`

	body, err := NewSecondary().Extract(page, "https://apnews.com/article/x")
	require.NoError(t, err)
	assert.Contains(t, body.Text, "First paragraph")
	assert.Contains(t, body.Text, "Second paragraph")
}

func TestSecondaryBylineElement(t *testing.T) {
	t.Parallel()
	page := `<html><body>
<h1>Headline</h1>
<div class="byline">By Carol Chen and Dan Park</div>
<article><p>Enough body text to extract from this little page.</p></article>
</body></html>`

	body, err := NewSecondary().Extract(page, "https://apnews.com/article/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"Carol Chen", "Dan Park"}, body.Authors)
}

func TestSecondaryEmptyPage(t *testing.T) {
	t.Parallel()
	_, err := NewSecondary().Extract("<html><body><div>no paragraphs here</div></body></html>", "https://apnews.com/article/z")
	require.Error(t, err)
}

func TestSecondaryName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "secondary", NewSecondary().Name())
}
