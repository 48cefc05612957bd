package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

func testPortable() *portableProvider {
	return newPortableFromVocab(DefaultDimension, map[string]float64{
		"database": 2.5,
		"python":   2.0,
		"the":      0.1,
	})
}

func TestPortableEmbedUnitNorm(t *testing.T) {
	p := testPortable()
	v, err := p.Embed(context.Background(), "Python is a versatile programming language")
	require.NoError(t, err)

	require.Len(t, v, DefaultDimension)
	assert.InDelta(t, 1.0, vec.Norm(v), 1e-4)
	assert.True(t, vec.IsFinite(v))
}

func TestPortableEmbedDeterministic(t *testing.T) {
	p := testPortable()
	ctx := context.Background()

	v1, err := p.Embed(ctx, "the database migration")
	require.NoError(t, err)
	v2, err := p.Embed(ctx, "the database migration")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestPortableEmbedDiscriminates(t *testing.T) {
	p := testPortable()
	ctx := context.Background()

	base, err := p.Embed(ctx, "postgres database index tuning")
	require.NoError(t, err)
	near, err := p.Embed(ctx, "database index tuning for postgres")
	require.NoError(t, err)
	far, err := p.Embed(ctx, "grandma's apple pie recipe")
	require.NoError(t, err)

	simNear := vec.CosineSimilarity(base, near)
	simFar := vec.CosineSimilarity(base, far)
	assert.Greater(t, simNear, simFar, "shared vocabulary must score higher")
}

func TestPortableEmbedEmptyInput(t *testing.T) {
	p := testPortable()
	_, err := p.Embed(context.Background(), "   ...   ")
	require.Error(t, err)
	assert.True(t, memerr.Is(err, memerr.KindEmbeddingFailure))
}

func TestPortableEmbedBatch(t *testing.T) {
	p := testPortable()
	out, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.InDelta(t, 1.0, vec.Norm(v), 1e-4)
	}
}

func TestPortableWorksWithoutVocabulary(t *testing.T) {
	// No vocabulary file and no URL configured: the backend still embeds,
	// every token just weighs 1.
	cfg := Config{Backend: "portable", CacheDir: t.TempDir()}.withDefaults()
	p, err := newPortableProvider(cfg, discardTestLogger())
	require.NoError(t, err)

	v, err := p.Embed(context.Background(), "works without a weight table")
	require.NoError(t, err)
	require.Len(t, v, DefaultDimension)
	assert.InDelta(t, 1.0, vec.Norm(v), 1e-4)
}

func TestEnsureVocabPreSeeded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/vocab.txt", "database 2.5\n"))

	path, err := ensureVocab(dir, "", discardTestLogger())
	require.NoError(t, err)
	assert.Equal(t, dir+"/vocab.txt", path)

	idf, err := loadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, idf["database"])
}

func TestEnsureVocabNoSourceIsNotAnError(t *testing.T) {
	path, err := ensureVocab(t.TempDir(), "", discardTestLogger())
	require.NoError(t, err)
	assert.Empty(t, path, "no file and no URL means no vocabulary, not a failure")
}

func TestLoadVocabParsing(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/vocab.txt"
	content := "# comment\ndatabase 2.5\nplain\nbroken abc\n\n"
	require.NoError(t, writeFile(path, content))

	idf, err := loadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, idf["database"])
	assert.Equal(t, 1.0, idf["plain"], "tokens without a weight default to 1")
	assert.Equal(t, 1.0, idf["broken"], "unparseable weights default to 1")
}
