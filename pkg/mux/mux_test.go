package mux

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestServeMux(t *testing.T) {
	t.Parallel()

	m := NewServeMux(logr.Discard())
	m.Handle("GET /hello/{name}", func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler("hello")
		_, _ = rw.Write([]byte("hello " + req.PathValue("name")))
	})
	m.Handle("GET /fail", func(rw ResponseWriter, req *http.Request) {
		rw.SetHandler("fail")
		rw.WriteError(http.StatusBadRequest, errors.New("bad input"))
	})

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "path value",
			target:         "/hello/world",
			expectedStatus: http.StatusOK,
			expectedBody:   "hello world",
		},
		{
			name:           "error",
			target:         "/fail",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "bad input\n",
		},
		{
			name:           "not found",
			target:         "/missing",
			expectedStatus: http.StatusNotFound,
			expectedBody:   "404 page not found\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			m.ServeHTTP(rec, req)

			resp := rec.Result()
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.expectedStatus, resp.StatusCode)
			require.Equal(t, tt.expectedBody, string(b))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &response{ResponseWriter: rec}
	require.Equal(t, http.StatusOK, rw.Status())

	rw.SetHandler("first")
	rw.SetHandler("second")
	require.Equal(t, "first", rw.handler)

	_, err := rw.Write([]byte("abc"))
	require.NoError(t, err)
	rw.WriteHeader(http.StatusTeapot)
	rw.Flush()
	require.Equal(t, http.StatusOK, rw.Status())
	require.Equal(t, int64(3), rw.Size())
	require.True(t, rec.Flushed)
	require.NoError(t, rw.Error())
	require.Equal(t, rec, rw.Unwrap())
}
