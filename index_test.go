package needle

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

type article struct {
	ID     int       `needle:"id,pk"`
	Body   string    `needle:"text,document"`
	Author string    `needle:"author,faceted"`
	Views  int       `needle:"views,null"`
	Posted time.Time `needle:"pub_date,type=date,null"`
	Draft  bool      `needle:"-"`
}

type noPK struct {
	Body string `needle:"text,document"`
}

type badModifier struct {
	ID   int    `needle:"id,pk"`
	Body string `needle:"text,document,sparkly"`
}

type uninferable struct {
	ID   int            `needle:"id,pk"`
	Body string         `needle:"text,document"`
	Meta map[string]int `needle:"meta"`
}

func TestIndexFor(t *testing.T) {
	ti, err := IndexFor[article]("blog", "article")
	require.NoError(t, err)

	idx := ti.Index()
	assert.Equal(t, model.New("blog", "article"), ti.Model())
	assert.Equal(t, "text", idx.DocumentField().Name())

	tests := []struct {
		name string
		want field.Type
	}{
		{"text", field.Text},
		{"author", field.Text},
		{"author_exact", field.Text},
		{"views", field.Integer},
		{"pub_date", field.Date},
	}
	for _, tt := range tests {
		f, ok := idx.Field(tt.name)
		require.True(t, ok, "field %s", tt.name)
		assert.Equal(t, tt.want, f.Type(), "field %s", tt.name)
	}
	_, hasID := idx.Field("id")
	assert.False(t, hasID, "the pk field must not be indexed")
	_, hasDraft := idx.Field("draft")
	assert.False(t, hasDraft)
}

func TestIndexFor_Errors(t *testing.T) {
	_, err := IndexFor[noPK]("blog", "x")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = IndexFor[badModifier]("blog", "x")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = IndexFor[uninferable]("blog", "x")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = IndexFor[int]("blog", "x")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestTypedObject_Prepare(t *testing.T) {
	ti, err := IndexFor[*article]("blog", "article")
	require.NoError(t, err)

	obj := ti.Object(&article{ID: 7, Body: "hello", Author: "daniel", Views: 3})
	assert.Equal(t, "blog.article.7", Identifier(obj))

	doc, err := ti.Index().FullPrepare(obj)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc["text"])
	assert.Equal(t, "daniel", doc["author"])
	assert.Equal(t, "daniel", doc["author_exact"])
	assert.Equal(t, "7", doc[model.FieldDjangoID])
}

func articles() []article {
	day := func(m time.Month) time.Time { return time.Date(2009, m, 1, 0, 0, 0, 0, time.UTC) }
	return []article{
		{ID: 1, Body: "hello world", Author: "daniel", Views: 10, Posted: day(1)},
		{ID: 2, Body: "hello there", Author: "alice", Views: 20, Posted: day(3)},
		{ID: 3, Body: "goodbye world", Author: "daniel", Views: 30, Posted: day(6)},
	}
}

// bleveClient indexes articles into an in-memory bleve index.
func bleveClient(t *testing.T, opts ...Option) (*Client, *TypedIndex[article]) {
	t.Helper()
	ti, err := IndexFor[article]("blog", "article")
	require.NoError(t, err)
	c, err := New(append([]Option{WithIndexes(ti.Index())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	results, err := ti.Update(context.Background(), c, articles()...)
	require.NoError(t, err)
	require.Len(t, results, 3)
	return c, ti
}

func itemIDs[T any](hits []Hit[T], id func(T) int) []int {
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = id(h.Item)
	}
	sort.Ints(out)
	return out
}

func TestBleve_EndToEnd(t *testing.T) {
	c, ti := bleveClient(t)
	ctx := context.Background()

	rs := ti.Search(c).AutoQuery("hello")
	n, err := rs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := ti.Hits(ctx, rs)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, itemIDs(hits, func(a article) int { return a.ID }))
	for _, h := range hits {
		assert.NotEmpty(t, h.Item.Author)
		assert.Positive(t, h.Item.Views)
	}

	excluded, err := c.Search().Exclude(Q("content", "hello")).Results(ctx)
	require.NoError(t, err)
	require.Len(t, excluded, 1)
	assert.Equal(t, "3", excluded[0].PK())

	latest, err := c.Search().Latest(ctx, "pub_date")
	require.NoError(t, err)
	assert.Equal(t, "3", latest.PK())

	views, err := c.Search().OrderBy("views").FlatValuesList(ctx, "views")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(10), int64(20), int64(30)}, views)
}

func TestBleve_Facets(t *testing.T) {
	c, _ := bleveClient(t)
	fc, err := c.Search().Facet("author", nil).FacetCounts(context.Background())
	require.NoError(t, err)

	authors := fc.Fields["author"]
	require.Len(t, authors, 2)
	assert.Equal(t, "daniel", authors[0].Value)
	assert.Equal(t, 2, authors[0].Count)
}

func TestBleve_LoadAllDropsDeleted(t *testing.T) {
	store := map[string]article{}
	for _, a := range articles() {
		store[strconv.Itoa(a.ID)] = a
	}
	delete(store, "2")
	loader := index.LoaderFunc(func(_ context.Context, _ model.Model, ids []string) (map[string]any, error) {
		out := map[string]any{}
		for _, id := range ids {
			if a, ok := store[id]; ok {
				out[id] = a
			}
		}
		return out, nil
	})

	c, _ := bleveClient(t, WithObjectLoader(loader))
	results, err := c.Search().AutoQuery("hello").LoadAll().Results(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	obj, err := results[0].Object(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, obj.(article).ID)
}

func TestBleve_RemoveAndClear(t *testing.T) {
	c, ti := bleveClient(t)
	ctx := context.Background()

	_, err := c.Remove(ctx, "blog.article.1")
	require.NoError(t, err)
	n, err := c.Search().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Clear(ctx, ti.Model()))
	n, err = c.Search().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.Remove(ctx, "not-an-identifier")
	assert.True(t, errors.Is(err, ErrField), "got %v", err)
}

func TestBleve_Schema(t *testing.T) {
	c, _ := bleveClient(t)
	content, schema, err := c.Schema(DefaultAlias)
	require.NoError(t, err)
	assert.Equal(t, "text", content)
	assert.NotNil(t, schema)

	models, err := c.Models(DefaultAlias)
	require.NoError(t, err)
	assert.True(t, slices.Contains(models, model.New("blog", "article")))
}
