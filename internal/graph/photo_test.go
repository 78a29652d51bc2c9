package graph

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTenant = "contoso.onmicrosoft.com"
	testUPN    = "alice@contoso.onmicrosoft.com"
)

// wireRequest is what the fake server saw, minus per-request IDs.
type wireRequest struct {
	Method        string
	EscapedPath   string
	RawQuery      string
	ContentType   string
	ContentLength int64
	Authorization string
	Body          string
}

// fakeGraph is an in-memory directory Graph holding one user's photo.
type fakeGraph struct {
	t   *testing.T
	upn string

	mu       sync.Mutex
	photo    []byte
	requests []wireRequest
	failPut  int // status to answer PUTs with, 0 for success
	meCalls  int
}

func newFakeGraph(t *testing.T, upn string) (*fakeGraph, *httptest.Server) {
	t.Helper()

	fg := &fakeGraph{t: t, upn: upn}
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	return fg, srv
}

func (fg *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fg.mu.Lock()
	defer fg.mu.Unlock()

	if r.URL.Path == "/me" {
		fg.meCalls++
		_, _ = w.Write([]byte(`{"objectId":"oid","userPrincipalName":"` + fg.upn + `"}`))

		return
	}

	fg.requests = append(fg.requests, wireRequest{
		Method:        r.Method,
		EscapedPath:   r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
		Authorization: r.Header.Get("Authorization"),
		Body:          string(body),
	})

	if r.URL.Path != "/"+testTenant+"/users/"+fg.upn+"/thumbnailPhoto" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if len(fg.photo) == 0 {
			http.Error(w, `{"odata.error":{"code":"Request_ResourceNotFound"}}`, http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(fg.photo)
	case http.MethodPut:
		if fg.failPut != 0 {
			http.Error(w, "rejected", fg.failPut)
			return
		}

		fg.photo = body
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fg *fakeGraph) lastRequest() wireRequest {
	fg.mu.Lock()
	defer fg.mu.Unlock()

	require.NotEmpty(fg.t, fg.requests)

	return fg.requests[len(fg.requests)-1]
}

func newTestPhotoClient(t *testing.T, baseURL string) *PhotoClient {
	t.Helper()

	client := newTestClient(t, staticToken("test-token"))
	endpoints := Endpoints{BaseURL: baseURL, APIVersion: DefaultAPIVersion}

	pc, err := NewPhotoClient(client, NewIdentityResolver(client, endpoints, testLogger(t)), endpoints, testTenant, testLogger(t))
	require.NoError(t, err)

	return pc
}

func TestPhotoClient_ContosoScenario(t *testing.T) {
	fg, srv := newFakeGraph(t, testUPN)
	pc := newTestPhotoClient(t, srv.URL)

	photo, err := pc.Get(t.Context())
	require.NoError(t, err)
	assert.Nil(t, photo, "no photo yet")

	get := fg.lastRequest()
	assert.Equal(t, http.MethodGet, get.Method)
	assert.Equal(t, "/contoso.onmicrosoft.com/users/alice%40contoso.onmicrosoft.com/thumbnailPhoto", get.EscapedPath)
	assert.Equal(t, "api-version=1.6", get.RawQuery)
	assert.Equal(t, "Bearer test-token", get.Authorization)

	data := make([]byte, 1024)
	_, err = rand.Read(data)
	require.NoError(t, err)

	require.NoError(t, pc.Upload(t.Context(), data))

	put := fg.lastRequest()
	assert.Equal(t, http.MethodPut, put.Method)
	assert.Equal(t, "/contoso.onmicrosoft.com/users/alice%40contoso.onmicrosoft.com/thumbnailPhoto", put.EscapedPath)
	assert.Equal(t, "images/*", put.ContentType)
	assert.Equal(t, int64(1024), put.ContentLength)

	photo, err = pc.Get(t.Context())
	require.NoError(t, err)
	require.NotNil(t, photo)
	assert.True(t, bytes.Equal(data, photo.Data))
	assert.Equal(t, "image/jpeg", photo.ContentType)

	// One identity lookup for the whole session.
	fg.mu.Lock()
	assert.Equal(t, 1, fg.meCalls)
	fg.mu.Unlock()
}

func TestPhotoClient_UploadNilAndDeleteAreIdentical(t *testing.T) {
	fg, srv := newFakeGraph(t, testUPN)
	pc := newTestPhotoClient(t, srv.URL)

	require.NoError(t, pc.Upload(t.Context(), nil))
	upload := fg.lastRequest()

	require.NoError(t, pc.Upload(t.Context(), []byte{}))
	uploadEmpty := fg.lastRequest()

	require.NoError(t, pc.Delete(t.Context()))
	del := fg.lastRequest()

	assert.Equal(t, upload, del)
	assert.Equal(t, uploadEmpty, del)
	assert.Equal(t, http.MethodPut, del.Method)
	assert.Equal(t, "images/*", del.ContentType)
	assert.Equal(t, int64(0), del.ContentLength)
	assert.Empty(t, del.Body)
}

func TestPhotoClient_DeleteThenGetIsAbsent(t *testing.T) {
	fg, srv := newFakeGraph(t, testUPN)
	fg.photo = []byte("existing")
	pc := newTestPhotoClient(t, srv.URL)

	require.NoError(t, pc.Delete(t.Context()))

	photo, err := pc.Get(t.Context())
	require.NoError(t, err)
	assert.Nil(t, photo)
}

func TestPhotoClient_PlusAndAtEncodedOnGetAndPut(t *testing.T) {
	const upn = "bob+test@contoso.onmicrosoft.com"

	fg, srv := newFakeGraph(t, upn)
	pc := newTestPhotoClient(t, srv.URL)

	want := "/contoso.onmicrosoft.com/users/bob%2Btest%40contoso.onmicrosoft.com/thumbnailPhoto"

	_, err := pc.Get(t.Context())
	require.NoError(t, err)
	assert.Equal(t, want, fg.lastRequest().EscapedPath)

	require.NoError(t, pc.Upload(t.Context(), []byte("img")))
	assert.Equal(t, want, fg.lastRequest().EscapedPath)

	// The server decodes the segment back to the exact principal name.
	photo, err := pc.Get(t.Context())
	require.NoError(t, err)
	require.NotNil(t, photo)
	assert.Equal(t, "img", string(photo.Data))
}

func TestPhotoClient_GetHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me" {
			_, _ = w.Write([]byte(`{"userPrincipalName":"` + testUPN + `"}`))
			return
		}

		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	pc := newTestPhotoClient(t, srv.URL)

	photo, err := pc.Get(t.Context())
	assert.Nil(t, photo)
	require.ErrorIs(t, err, ErrForbidden)

	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, http.StatusForbidden, graphErr.StatusCode)
}

func TestPhotoClient_UploadHTTPFailure(t *testing.T) {
	fg, srv := newFakeGraph(t, testUPN)
	fg.failPut = http.StatusBadRequest
	pc := newTestPhotoClient(t, srv.URL)

	err := pc.Upload(t.Context(), []byte("not an image"))
	require.ErrorIs(t, err, ErrBadRequest)

	err = pc.Delete(t.Context())
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Contains(t, err.Error(), "deleting photo")
}

func TestPhotoClient_LookupFailureStopsOperation(t *testing.T) {
	var photoCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/me" {
			_, _ = w.Write([]byte(`{"objectId":"oid"}`))
			return
		}

		photoCalls++
	}))
	t.Cleanup(srv.Close)

	pc := newTestPhotoClient(t, srv.URL)

	_, err := pc.Get(t.Context())
	require.ErrorIs(t, err, ErrLookupFailure)

	err = pc.Upload(t.Context(), []byte("x"))
	require.ErrorIs(t, err, ErrLookupFailure)

	assert.Zero(t, photoCalls)
}

// stubResolver returns a fixed principal.
type stubResolver Principal

func (s stubResolver) ResolveSelf(_ context.Context) (Principal, error) {
	return Principal(s), nil
}

func TestPhotoClient_RejectsEmptyPrincipal(t *testing.T) {
	client := newTestClient(t, staticToken("t"))
	pc, err := NewPhotoClient(client, stubResolver{}, Endpoints{BaseURL: "http://127.0.0.1:1", APIVersion: "1.6"}, testTenant, testLogger(t))
	require.NoError(t, err)

	_, err = pc.Get(t.Context())
	require.ErrorIs(t, err, ErrLookupFailure)
}

func TestNewPhotoClient_RequiresTenant(t *testing.T) {
	_, err := NewPhotoClient(nil, nil, Endpoints{}, "", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "tenant"))
}
