package errors

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := NotFound("preprocess.FromFile", "image not found", fs.ErrNotExist)
	assert.Equal(t, "preprocess.FromFile: image not found: file does not exist", err.Error())

	bare := Inference("", "", fmt.Errorf("session run failed"))
	assert.Equal(t, "session run failed", bare.Error())
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := Decode("preprocess.FromBytes", "unsupported format", nil)
	wrapped := fmt.Errorf("classify: %w", fmt.Errorf("preprocess: %w", base))

	assert.Equal(t, KindDecode, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindDecode))
	assert.False(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestError_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Configuration("vector.Open", "model mismatch", nil))
	assert.True(t, stderrors.Is(err, &Error{Kind: KindConfiguration}))
	assert.False(t, stderrors.Is(err, &Error{Kind: KindUpstream}))
}

func TestError_UnwrapReachesCause(t *testing.T) {
	err := Upstream("llm.Extract", "request failed", fs.ErrPermission)
	require.True(t, stderrors.Is(err, fs.ErrPermission))
}
