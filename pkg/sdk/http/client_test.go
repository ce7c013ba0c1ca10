package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRequestDecodesAndReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "1", r.URL.Query().Get("id"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"value":42}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{})
	assert.Equal(t, srv.URL, c.BaseURL())

	var out struct {
		Value int `json:"value"`
	}
	_, err := c.DoRequest(context.Background(), http.MethodGet, "/ok", &RequestOptions{Params: map[string]any{"id": 1}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)

	_, err = c.GetRaw(context.Background(), "/missing", nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Contains(t, se.Body, "upstream down")
}

func TestRetryOnStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{
		RetryCount:    3,
		RetryWait:     1,
		RetryMaxWait:  1,
		RetryOnStatus: func(status int) bool { return status >= 500 },
	})
	body, err := c.GetRaw(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestStatusErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":"execution reverted: slippage"}`, "execution reverted: slippage"},
		{`{"message":"invalid signature"}`, "invalid signature"},
		{`{"error":{"code":3}}`, `{"error":{"code":3}}`},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		e := &StatusError{Status: http.StatusBadRequest, Body: tt.body}
		assert.Equal(t, tt.want, e.Message(), tt.body)
	}
}
