package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.inbox/internal/errors"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrAuthorization, http.StatusForbidden},
		{apperrors.ErrBusy.Wrap(errors.New("timeout")), http.StatusServiceUnavailable},
		{apperrors.ErrDisconnected, http.StatusGone},
		{apperrors.ErrTokenExpired, http.StatusUnauthorized},
		{apperrors.ErrTooManyRequest, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(apperrors.GetCode(tt.err)), tt.err.Error())
	}
}

func TestErrorFromAppError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ErrorFromAppError(c, apperrors.ErrBusy.Wrap(errors.New("lock timeout")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeBusy, resp.Code)
	assert.Equal(t, apperrors.ErrBusy.Message, resp.Message)
}
