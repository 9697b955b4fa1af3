package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCode(t *testing.T) {
	base := AttemptBusy("attempt-1")
	wrapped := Wrap(base, "start follow-up")

	assert.Equal(t, ErrCodeAttemptBusy, wrapped.Code)
	assert.Equal(t, http.StatusConflict, wrapped.HTTPStatus)
	assert.True(t, IsAttemptBusy(wrapped))
	assert.True(t, stderrors.Is(wrapped, base))
}

func TestWrapUnknownErrorIsInternal(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("disk full"), "persist plan")
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(wrapped))
	assert.Nil(t, Wrap(nil, "noop"))
}

func TestHasCodeThroughFmtWrapping(t *testing.T) {
	err := fmt.Errorf("resume plan: %w", NoSessionFound("proc-1"))
	assert.True(t, HasCode(err, ErrCodeNoSessionFound))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatus(err))
}

func TestAsAppError(t *testing.T) {
	appErr := AsAppError(fmt.Errorf("boom"))
	assert.Equal(t, ErrCodeInternalError, appErr.Code)

	nf := NotFound("task", "t-1")
	assert.Same(t, nf, AsAppError(fmt.Errorf("lookup: %w", nf)))
}
