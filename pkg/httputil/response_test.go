package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	err := WriteJSON(rec, http.StatusCreated, map[string]string{"reference": "abc123"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc123", body["reference"])
}

func TestWriteErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusBadRequest, "phone is invalid")

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "phone is invalid", body["error"])
}

func TestWriteStatusHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "no") }, http.StatusForbidden},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "gone") }, http.StatusNotFound},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, fmt.Errorf("boom")) }, http.StatusInternalServerError},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "busy") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestParseJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"event":"charge.success"}`))

	var dest struct {
		Event string `json:"event"`
	}
	require.NoError(t, ParseJSON(req, &dest))
	assert.Equal(t, "charge.success", dest.Event)
}

func TestParseJSONOrError_Invalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()

	var dest map[string]interface{}
	ok := ParseJSONOrError(rec, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
