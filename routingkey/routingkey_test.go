package routingkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskReference() Reference {
	return Reference{
		{Name: "const", Constant: "my-constant"},
		{Name: "testId"},
		{Name: "taskRoutingKey", MultipleWords: true},
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a single multi-word field", func(t *testing.T) {
		assert.NoError(t, taskReference().Validate())
	})

	t.Run("rejects two multi-word fields", func(t *testing.T) {
		ref := Reference{
			{Name: "a", MultipleWords: true},
			{Name: "b", MultipleWords: true},
		}
		assert.ErrorIs(t, ref.Validate(), ErrMultipleMultiWord)
	})

	t.Run("rejects unnamed fields", func(t *testing.T) {
		ref := Reference{{Name: ""}}
		assert.Error(t, ref.Validate())
	})
}

func TestBuild(t *testing.T) {
	t.Run("constants, values, and wildcards", func(t *testing.T) {
		pattern, err := Build(taskReference(), map[string]string{"testId": "test"})
		require.NoError(t, err)
		assert.Equal(t, "my-constant.test.#", pattern)
	})

	t.Run("missing single-word value becomes a star", func(t *testing.T) {
		ref := Reference{{Name: "a"}, {Name: "b"}}
		pattern, err := Build(ref, nil)
		require.NoError(t, err)
		assert.Equal(t, "*.*", pattern)
	})

	t.Run("missing multi-word value becomes a hash", func(t *testing.T) {
		ref := Reference{{Name: "a"}, {Name: "rest", MultipleWords: true}}
		pattern, err := Build(ref, map[string]string{"a": "x"})
		require.NoError(t, err)
		assert.Equal(t, "x.#", pattern)
	})

	t.Run("rejects a dotted value for a single-word field", func(t *testing.T) {
		ref := Reference{{Name: "a"}}
		_, err := Build(ref, map[string]string{"a": "x.y"})
		assert.Error(t, err)
	})

	t.Run("allows a dotted value for the multi-word field", func(t *testing.T) {
		ref := Reference{{Name: "rest", MultipleWords: true}}
		pattern, err := Build(ref, map[string]string{"rest": "x.y.z"})
		require.NoError(t, err)
		assert.Equal(t, "x.y.z", pattern)
	})

	t.Run("constant wins over a supplied value", func(t *testing.T) {
		ref := Reference{{Name: "c", Constant: "fixed"}}
		pattern, err := Build(ref, map[string]string{"c": "ignored"})
		require.NoError(t, err)
		assert.Equal(t, "fixed", pattern)
	})
}

func TestParse(t *testing.T) {
	t.Run("multi-word field absorbs the middle segments", func(t *testing.T) {
		parsed, err := Parse(taskReference(), "my-constant.test.hello.world")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"const":          "my-constant",
			"testId":         "test",
			"taskRoutingKey": "hello.world",
		}, parsed)
	})

	t.Run("multi-word field may be empty", func(t *testing.T) {
		ref := Reference{{Name: "a"}, {Name: "rest", MultipleWords: true}}
		parsed, err := Parse(ref, "x")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "x", "rest": ""}, parsed)
	})

	t.Run("single-word fields after the multi-word field", func(t *testing.T) {
		ref := Reference{
			{Name: "head"},
			{Name: "middle", MultipleWords: true},
			{Name: "tail"},
		}
		parsed, err := Parse(ref, "a.b.c.d.e")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"head": "a", "middle": "b.c.d", "tail": "e"}, parsed)
	})

	t.Run("segment count must match without a multi-word field", func(t *testing.T) {
		ref := Reference{{Name: "a"}, {Name: "b"}}
		_, err := Parse(ref, "x.y.z")
		assert.Error(t, err)
		_, err = Parse(ref, "x")
		assert.Error(t, err)
	})

	t.Run("too few segments for the single-word fields", func(t *testing.T) {
		ref := Reference{
			{Name: "a"},
			{Name: "b"},
			{Name: "rest", MultipleWords: true},
		}
		_, err := Parse(ref, "x")
		assert.Error(t, err)
	})

	t.Run("two multi-word fields are malformed input", func(t *testing.T) {
		ref := Reference{
			{Name: "a", MultipleWords: true},
			{Name: "b", MultipleWords: true},
		}
		_, err := Parse(ref, "x.y.z")
		assert.ErrorIs(t, err, ErrMultipleMultiWord)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Run("all single-word fields", func(t *testing.T) {
		ref := Reference{{Name: "provisioner"}, {Name: "worker"}, {Name: "run"}}
		values := map[string]string{"provisioner": "aws", "worker": "build-1", "run": "0"}

		pattern, err := Build(ref, values)
		require.NoError(t, err)

		parsed, err := Parse(ref, pattern)
		require.NoError(t, err)
		assert.Equal(t, values, parsed)
	})

	t.Run("multi-word field keeps its dots", func(t *testing.T) {
		ref := Reference{{Name: "head"}, {Name: "rest", MultipleWords: true}}
		values := map[string]string{"head": "x", "rest": "a.b.c"}

		pattern, err := Build(ref, values)
		require.NoError(t, err)
		assert.Equal(t, "x.a.b.c", pattern)

		parsed, err := Parse(ref, pattern)
		require.NoError(t, err)
		assert.Equal(t, values, parsed)
	})
}
