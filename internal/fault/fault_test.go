package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrappedChain(t *testing.T) {
	base := Wrap(Timeout, "normalize", context.DeadlineExceeded).WithDetail("ffmpeg: killed")
	wrapped := fmt.Errorf("ingest chunk 3: %w", base)

	assert.Equal(t, Timeout, CodeOf(wrapped))
	assert.True(t, Has(wrapped, Timeout))
	assert.False(t, Has(wrapped, ToolMissing))
	assert.Equal(t, "ffmpeg: killed", DetailOf(wrapped))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, New(Timeout, "", ""))
	assert.NotErrorIs(t, wrapped, New(NotFound, "", ""))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "session: unknown session", New(NotFound, "session", "unknown session").Error())
	assert.Equal(t, "tool_missing", (&Error{Code: ToolMissing}).Error())
	assert.Equal(t, "transcribe: recognition_failed: boom",
		Wrap(RecognitionFailed, "transcribe", errors.New("boom")).Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, Has(nil, NotFound))
}
