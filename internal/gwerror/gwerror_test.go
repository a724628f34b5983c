package gwerror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusByKind(t *testing.T) {
	cases := map[Kind]int{
		InvalidRequest:      http.StatusBadRequest,
		NoBackend:           http.StatusServiceUnavailable,
		UpstreamUnavailable: http.StatusBadGateway,
		UpstreamTimeout:     http.StatusGatewayTimeout,
		Internal:            http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, New(kind, "x").Status())
	}
}

func TestWriteJSONWrapsPlainErrorsAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(Internal), body.Error.Type)
	assert.Equal(t, assert.AnError.Error(), body.Error.Message)
}

func TestWriteJSONHonorsGatewayErrorKind(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, New(NoBackend, "no chat backend available"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no chat backend available")
}
