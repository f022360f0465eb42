package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/canonical"
)

func TestApplyReplace(t *testing.T) {
	doc := mustValue(t, `{"thresholds":{"x":1}}`)
	out, err := Apply(doc, []Op{Replace("/thresholds/x", canonical.Int(2))})
	require.NoError(t, err)
	assert.Equal(t, `{"thresholds":{"x":2}}`, string(canonical.Canonicalize(out)))
	// Input untouched.
	assert.Equal(t, `{"thresholds":{"x":1}}`, string(canonical.Canonicalize(doc)))
}

func TestApplyAddCreatesIntermediates(t *testing.T) {
	doc := mustValue(t, `{"a":1}`)
	out, err := Apply(doc, []Op{Add("/b/c/d", canonical.Str("deep"))})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":{"c":{"d":"deep"}}}`, string(canonical.Canonicalize(out)))
}

func TestApplyRemove(t *testing.T) {
	doc := mustValue(t, `{"a":1,"b":2}`)
	out, err := Apply(doc, []Op{Remove("/b")})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(canonical.Canonicalize(out)))
}

func TestReplaceMissingPointerFails(t *testing.T) {
	doc := mustValue(t, `{"a":1}`)
	_, err := Apply(doc, []Op{Replace("/missing", canonical.Int(1))})
	assert.ErrorIs(t, err, ErrPointerNotFound)

	_, err = Apply(doc, []Op{Remove("/missing")})
	assert.ErrorIs(t, err, ErrPointerNotFound)
}

func TestRootPatchRejected(t *testing.T) {
	doc := mustValue(t, `{"a":1}`)
	for _, op := range []Op{
		Add("", canonical.Int(1)),
		Replace("", canonical.Int(1)),
		Remove(""),
	} {
		_, err := Apply(doc, []Op{op})
		assert.ErrorIs(t, err, ErrRootPatch, "op %s", op.Kind)
	}
}

func TestListOperations(t *testing.T) {
	doc := mustValue(t, `{"xs":[1,2,3]}`)

	out, err := Apply(doc, []Op{Replace("/xs/1", canonical.Int(9))})
	require.NoError(t, err)
	assert.Equal(t, `{"xs":[1,9,3]}`, string(canonical.Canonicalize(out)))

	out, err = Apply(doc, []Op{Add("/xs/-", canonical.Int(4))})
	require.NoError(t, err)
	assert.Equal(t, `{"xs":[1,2,3,4]}`, string(canonical.Canonicalize(out)))

	out, err = Apply(doc, []Op{Add("/xs/1", canonical.Int(9))})
	require.NoError(t, err)
	assert.Equal(t, `{"xs":[1,9,2,3]}`, string(canonical.Canonicalize(out)))

	out, err = Apply(doc, []Op{Add("/xs/3", canonical.Int(4))})
	require.NoError(t, err)
	assert.Equal(t, `{"xs":[1,2,3,4]}`, string(canonical.Canonicalize(out)))

	out, err = Apply(doc, []Op{Remove("/xs/0")})
	require.NoError(t, err)
	assert.Equal(t, `{"xs":[2,3]}`, string(canonical.Canonicalize(out)))

	_, err = Apply(doc, []Op{Replace("/xs/3", canonical.Int(0))})
	assert.ErrorIs(t, err, ErrPointerNotFound)

	_, err = Apply(doc, []Op{Replace("/xs/01", canonical.Int(0))})
	assert.ErrorIs(t, err, ErrBadPointer)
}

func TestPointerEscapes(t *testing.T) {
	doc := mustValue(t, `{"a/b":1,"m~n":2}`)

	out, err := Apply(doc, []Op{Replace("/a~1b", canonical.Int(10))})
	require.NoError(t, err)
	assert.Equal(t, `{"a/b":10,"m~n":2}`, string(canonical.Canonicalize(out)))

	out, err = Apply(doc, []Op{Replace("/m~0n", canonical.Int(20))})
	require.NoError(t, err)
	assert.Equal(t, `{"a/b":1,"m~n":20}`, string(canonical.Canonicalize(out)))

	_, err = Apply(doc, []Op{Replace("/bad~2", canonical.Int(0))})
	assert.ErrorIs(t, err, ErrBadPointer)
}

func TestIsNoop(t *testing.T) {
	doc := mustValue(t, `{"x":1}`)

	noop, err := IsNoop(doc, []Op{Replace("/x", canonical.Int(1))})
	require.NoError(t, err)
	assert.True(t, noop)

	noop, err = IsNoop(doc, []Op{Replace("/x", canonical.Int(2))})
	require.NoError(t, err)
	assert.False(t, noop)
}

func TestOpsFromValue(t *testing.T) {
	patch := mustValue(t, `[
		{"op":"replace","path":"/thresholds/x","value":2},
		{"op":"add","path":"/limits","value":{"max":10}},
		{"op":"remove","path":"/deprecated"}
	]`)

	ops, err := OpsFromValue(patch)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpReplace, ops[0].Kind)
	assert.Equal(t, "/thresholds/x", ops[0].Path)
	assert.Equal(t, OpRemove, ops[2].Kind)

	// Receipts record ops verbatim, value presence included.
	rendered := ops[1].ToAny()
	assert.Equal(t, "add", rendered["op"])
	assert.Contains(t, rendered, "value")
	assert.NotContains(t, ops[2].ToAny(), "value")
}

func TestOpsFromValueRejectsUnsupported(t *testing.T) {
	cases := []string{
		`[{"op":"move","from":"/a","path":"/b"}]`,
		`[{"op":"copy","from":"/a","path":"/b"}]`,
		`[{"op":"test","path":"/a","value":1}]`,
		`[{"op":"add","path":"/a"}]`,
		`[{"path":"/a"}]`,
		`{"op":"add"}`,
	}
	for _, raw := range cases {
		_, err := OpsFromValue(mustValue(t, raw))
		assert.ErrorIs(t, err, ErrBadOp, "input %s", raw)
	}
}

func TestSegmentThroughScalarFails(t *testing.T) {
	doc := mustValue(t, `{"a":1}`)
	_, err := Apply(doc, []Op{Replace("/a/b", canonical.Int(2))})
	assert.ErrorIs(t, err, ErrPointerNotFound)
}
