package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptchain/internal/common/errors"
	"promptchain/internal/transform"
)

func TestPipeline_MarshalRoundTrip(t *testing.T) {
	p, err := Compile(Sequence(
		Single(request("a", "hello")),
		Single(RequestSpec{
			Alias:         "b",
			Kind:          KindStream,
			SystemMessage: "be brief",
			Messages:      []MessageSpec{{Role: "user", Content: transform.PrevResultNth(0, transform.Match(`X=(\d+)`, 1))}},
		}),
	))
	require.NoError(t, err)

	data, err := p.Marshal()
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, p.BeginID, back.BeginID)
	assert.Equal(t, p.EndID, back.EndID)
	require.Len(t, back.Items, len(p.Items))

	b := byAlias(t, back, "b")
	assert.Equal(t, KindStream, b.Request.Kind)
	require.NotNil(t, b.Request.SystemMessage)

	out, err := transform.HydrateString(transform.Scope{
		PrevIDs: b.PrevIDs,
		Content: map[string]string{b.PrevIDs[0]: "X=5"},
	}, b.Request.Messages[0].Content)
	require.NoError(t, err)
	assert.Equal(t, "5", out)
}

func TestUnmarshal_Rejects(t *testing.T) {
	p, err := Compile(Single(request("a", "x")))
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, err := Unmarshal([]byte("{"))
		assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	})

	t.Run("version", func(t *testing.T) {
		clone := *p
		clone.Version = 99
		data, err := json.Marshal(&clone)
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.Error(t, err)
	})

	t.Run("one-sided edge", func(t *testing.T) {
		data, err := p.Marshal()
		require.NoError(t, err)
		broken, err := Unmarshal(data)
		require.NoError(t, err)
		broken.Items[broken.BeginID].NextIDs = []string{}
		assert.Error(t, broken.Validate())
	})

	t.Run("missing end", func(t *testing.T) {
		data, err := p.Marshal()
		require.NoError(t, err)
		broken, err := Unmarshal(data)
		require.NoError(t, err)
		broken.Items[broken.EndID].IsEnd = false
		assert.Error(t, broken.Validate())
	})
}

func TestPipeline_Node(t *testing.T) {
	p, err := Compile(Single(request("a", "x")))
	require.NoError(t, err)

	n, err := p.Node(p.BeginID)
	require.NoError(t, err)
	assert.Equal(t, "begin", n.Role())
	assert.Equal(t, "end", p.Items[p.EndID].Role())
	assert.Equal(t, "ordinary", byAlias(t, p, "a").Role())

	_, err = p.Node("missing")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "promptchain:pipeline:p1", Keys.Record("p1"))
	assert.Equal(t, "promptchain:item:n1:content", Keys.Content("n1"))
	assert.Equal(t, "promptchain:item:n1:stream", Keys.Stream("n1"))
	assert.Len(t, Keys.Node("n1"), 6)
}
