package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
)

func TestForwarderForwardsToLocalTarget(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "bar", r.Header.Get("X-Foo"))
		w.Header().Set("X-Reply", "yep")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer local.Close()

	f := NewForwarder(local.URL)
	resp, err := f.Forward(context.Background(), &ForwardedRequest{
		RequestID: "r1",
		Method:    http.MethodGet,
		Path:      "/hello",
		Headers:   protocol.Headers{"X-Foo": {"bar"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, []string{"yep"}, resp.Headers["X-Reply"])
}

func TestForwarderUsesRouteResolver(t *testing.T) {
	var gotPath string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer local.Close()

	f := NewForwarderWithRoutes("", func(path string) string {
		if path == "/api/users" {
			return local.URL
		}
		return ""
	})

	resp, err := f.Forward(context.Background(), &ForwardedRequest{Method: http.MethodGet, Path: "/api/users"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/users", gotPath)
}

func TestForwarderNoRoute(t *testing.T) {
	f := NewForwarderWithRoutes("", func(path string) string { return "" })
	_, err := f.Forward(context.Background(), &ForwardedRequest{Method: http.MethodGet, Path: "/nowhere"})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestBuildURL(t *testing.T) {
	u, err := buildURL("http://localhost:8080", "/a/b?x=1")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/a/b?x=1", u)

	u, err = buildURL("http://localhost:8080", "no-leading-slash")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/no-leading-slash", u)
}
