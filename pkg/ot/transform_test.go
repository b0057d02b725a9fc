package ot

import (
	"testing"

	"github.com/atelier-run/atelier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(pos int, text string) *types.Operation {
	return &types.Operation{Type: types.OpInsert, Position: pos, Text: text}
}

func del(pos, count int) *types.Operation {
	return &types.Operation{Type: types.OpDelete, Position: pos, Count: count}
}

func TestTransformInsertInsert(t *testing.T) {
	t.Run("earlier insert shifts later", func(t *testing.T) {
		got := transformOp(ins(5, "xy"), ins(2, "abc"), true)
		assert.Equal(t, 8, got.Position)
	})

	t.Run("later insert leaves earlier untouched", func(t *testing.T) {
		got := transformOp(ins(2, "abc"), ins(5, "xy"), true)
		assert.Equal(t, 2, got.Position)
	})

	t.Run("tie applied side wins", func(t *testing.T) {
		got := transformOp(ins(5, "xy"), ins(5, "abc"), true)
		assert.Equal(t, 8, got.Position)
	})

	t.Run("tie incoming side wins", func(t *testing.T) {
		got := transformOp(ins(5, "xy"), ins(5, "abc"), false)
		assert.Equal(t, 5, got.Position)
	})
}

func TestTransformInsertDelete(t *testing.T) {
	t.Run("insert at or before delete start untouched", func(t *testing.T) {
		got := transformOp(ins(3, "x"), del(3, 4), true)
		assert.Equal(t, 3, got.Position)
	})

	t.Run("insert at or after delete end shifts left", func(t *testing.T) {
		got := transformOp(ins(7, "x"), del(3, 4), true)
		assert.Equal(t, 3, got.Position)
	})

	t.Run("insert strictly inside delete is absorbed", func(t *testing.T) {
		got := transformOp(ins(5, "x"), del(3, 4), true)
		assert.Nil(t, got)
	})
}

func TestTransformDeleteInsert(t *testing.T) {
	t.Run("insert before delete shifts it right", func(t *testing.T) {
		got := transformOp(del(5, 3), ins(2, "abc"), true)
		assert.Equal(t, 8, got.Position)
		assert.Equal(t, 3, got.Count)
	})

	t.Run("insert after delete untouched", func(t *testing.T) {
		got := transformOp(del(5, 3), ins(8, "abc"), true)
		assert.Equal(t, 5, got.Position)
	})

	t.Run("insert inside delete grows the count", func(t *testing.T) {
		got := transformOp(del(5, 3), ins(6, "abc"), true)
		assert.Equal(t, 5, got.Position)
		assert.Equal(t, 6, got.Count)
	})
}

func TestTransformDeleteDelete(t *testing.T) {
	t.Run("disjoint earlier delete shifts later left", func(t *testing.T) {
		got := transformOp(del(10, 3), del(2, 4), true)
		assert.Equal(t, 6, got.Position)
		assert.Equal(t, 3, got.Count)
	})

	t.Run("overlap credited once", func(t *testing.T) {
		// applied removed [2,6); op wanted [4,9): only [6,9) remains
		got := transformOp(del(4, 5), del(2, 4), true)
		require.NotNil(t, got)
		assert.Equal(t, 2, got.Position)
		assert.Equal(t, 3, got.Count)
	})

	t.Run("fully covered delete becomes a no-op", func(t *testing.T) {
		got := transformOp(del(4, 2), del(2, 6), true)
		assert.Nil(t, got)
	})
}

func TestApplyBounds(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		out, err := Apply("hello", []*types.Operation{ins(5, " world")})
		require.NoError(t, err)
		assert.Equal(t, "hello world", out)
	})

	t.Run("delete", func(t *testing.T) {
		out, err := Apply("hello world", []*types.Operation{del(5, 6)})
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("insert out of bounds", func(t *testing.T) {
		_, err := Apply("hi", []*types.Operation{ins(3, "x")})
		assert.Error(t, err)
	})

	t.Run("delete past end", func(t *testing.T) {
		_, err := Apply("hi", []*types.Operation{del(1, 5)})
		assert.Error(t, err)
	})

	t.Run("retain is a no-op", func(t *testing.T) {
		out, err := Apply("hi", []*types.Operation{{Type: types.OpRetain, Count: 2}})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})
}

// TP1: applying A then B' equals applying B then A'
func TestConvergence(t *testing.T) {
	cases := []struct {
		name string
		base string
		a, b *types.Operation
	}{
		{"concurrent inserts", "Hello", ins(5, " World"), ins(5, " There")},
		{"insert vs delete", "abcdefgh", ins(2, "XY"), del(4, 3)},
		{"overlapping deletes", "abcdefgh", del(1, 4), del(3, 4)},
		{"insert inside delete", "abcdefgh", ins(4, "ZZ"), del(2, 5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aOps := []*types.Operation{tc.a}
			bOps := []*types.Operation{tc.b}

			// a first, then b transformed against a (a wins ties)
			left, err := Apply(tc.base, aOps)
			require.NoError(t, err)
			left, err = Apply(left, TransformOps(bOps, aOps, true))
			require.NoError(t, err)

			// b first, then a transformed against b (a still wins ties)
			right, err := Apply(tc.base, bOps)
			require.NoError(t, err)
			right, err = Apply(right, TransformOps(aOps, bOps, false))
			require.NoError(t, err)

			assert.Equal(t, left, right)
		})
	}
}

func TestTransformCursor(t *testing.T) {
	cur := &types.Cursor{UserID: "u1", Position: 10}

	t.Run("insert before shifts right", func(t *testing.T) {
		got := TransformCursor(cur, []*types.Operation{ins(4, "abc")})
		assert.Equal(t, 13, got.Position)
	})

	t.Run("insert after untouched", func(t *testing.T) {
		got := TransformCursor(cur, []*types.Operation{ins(11, "abc")})
		assert.Equal(t, 10, got.Position)
	})

	t.Run("delete before shifts left", func(t *testing.T) {
		got := TransformCursor(cur, []*types.Operation{del(2, 4)})
		assert.Equal(t, 6, got.Position)
	})

	t.Run("delete spanning cursor clamps to range start", func(t *testing.T) {
		got := TransformCursor(cur, []*types.Operation{del(8, 5)})
		assert.Equal(t, 8, got.Position)
	})
}
