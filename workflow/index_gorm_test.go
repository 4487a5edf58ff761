package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormWorkflowIndex(t *testing.T) {
	ctx := context.Background()
	index := NewGormWorkflowIndex(newTestGormDB(t))

	for _, po := range []*WorkflowIndexPo{
		{ID: "a", Name: "approval", Realm: "r1"},
		{ID: "b", Name: "approval", Realm: "r2"},
		{ID: "c", Name: "batch", Realm: "r1"},
	} {
		require.NoError(t, index.Create(ctx, po))
		assert.NotZero(t, po.CreatedAt)
	}
	assert.True(t, errors.Is(index.Create(ctx, nil), ErrWorkflowParamInvalid))
	assert.Error(t, index.Create(ctx, &WorkflowIndexPo{ID: "a", Name: "dup"}))

	all, err := index.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	t.Run("按名字和realm查询", func(t *testing.T) {
		pos, err := index.Query(ctx, &QueryWorkflowIndexParams{
			Name:         String("approval"),
			Realm:        String("r1"),
			OrderbyIDAsc: Bool(true),
			Page:         &Pager{IsNoLimit: Bool(true)},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, "a", pos[0].ID)

		count, err := index.Count(ctx, &QueryWorkflowIndexParams{Realm: String("r1")})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("分页", func(t *testing.T) {
		pos, err := index.Query(ctx, &QueryWorkflowIndexParams{
			OrderbyIDAsc: Bool(false),
			Page:         &Pager{Page: 1, Size: 2},
		})
		require.NoError(t, err)
		require.Len(t, pos, 2)
		assert.Equal(t, "c", pos[0].ID)

		pos, err = index.Query(ctx, &QueryWorkflowIndexParams{
			OrderbyIDAsc: Bool(false),
			Page:         &Pager{Page: 2, Size: 2},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, "a", pos[0].ID)
	})

	t.Run("参数错误", func(t *testing.T) {
		_, err := index.Query(ctx, &QueryWorkflowIndexParams{})
		assert.Error(t, err)
		_, err = index.Query(ctx, nil)
		assert.Error(t, err)
	})

	require.NoError(t, index.Delete(ctx, []string{"a", "c"}))
	require.NoError(t, index.Delete(ctx, nil))
	count, err := index.Count(ctx, &QueryWorkflowIndexParams{IDIn: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
