package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authmesh/authmesh/internal/apperr"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "42"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"42"}`, rec.Body.String())
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "missing field")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"missing field"}`, rec.Body.String())
}

func TestWriteAppErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	err := apperr.Newf(apperr.CodeConnectionFailed, "open pool: connection refused to 10.0.0.5")
	WriteAppError(rec, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int(apperr.CodeConnectionFailed), body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	assert.NotContains(t, body.Error.Message, "10.0.0.5", "developer detail stays server-side")
}

func TestWriteAppErrorWrapsPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, apperr.CodeQueryFailed, body["error"]["code"])
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	require.NoError(t, DecodeJSON(r, &dst))
	assert.Equal(t, "ok", dst.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok","extra":1}`))
	assert.Error(t, DecodeJSON(r, &dst))
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:4431"
	assert.Equal(t, "203.0.113.9", GetClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1, 10.0.0.2")
	assert.Equal(t, "192.0.2.1", GetClientIP(r), "first hop wins")

	r.Header.Set("X-Forwarded-For", " 192.0.2.7 ")
	assert.Equal(t, "192.0.2.7", GetClientIP(r))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", BearerToken(r))

	r.Header.Set("Authorization", "bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", BearerToken(r), "scheme is case-insensitive")

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "Bearer ")
	assert.Empty(t, BearerToken(r))
}
