package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestApiServer(t *testing.T) *httptest.Server {
	document := testDocument("doc1")
	document.Version = 3

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-jwt" {
			http.Error(w, "missing auth", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == "GET" && r.URL.Path == "/rundown/document/doc1/version":
			json.NewEncoder(w).Encode(&GetDocumentVersionResult{
				Version: document.Version,
			})
		case r.Method == "GET" && r.URL.Path == "/rundown/document/doc1":
			json.NewEncoder(w).Encode(&GetDocumentResult{
				Document: document,
			})
		case r.Method == "POST" && r.URL.Path == "/rundown/document/doc1":
			args := &PutDocumentArgs{}
			if err := json.NewDecoder(r.Body).Decode(args); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(&PutDocumentResult{
				Version: args.Document.Version + 1,
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRundownApiDocument(t *testing.T) {
	server := newTestApiServer(t)

	api := NewRundownApi(server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	fetched, err := api.GetDocument(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, "doc1", fetched.Id)
	assert.Equal(t, int64(3), fetched.Version)

	version, err := api.GetDocumentVersion(context.Background(), "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(3), version)

	err = api.PutDocument(context.Background(), fetched)
	assert.Equal(t, err, nil)
	// the store assigns the stored version
	assert.Equal(t, int64(4), fetched.Version)

	_, err = api.GetDocument(context.Background(), "missing")
	assert.NotEqual(t, err, nil)
}

func TestRundownApiAsync(t *testing.T) {
	server := newTestApiServer(t)

	api := NewRundownApi(server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	getCallback, getResults := NewBlockingApiCallback[*GetDocumentResult]()
	api.GetDocumentAsync("doc1", getCallback)
	getResult := <-getResults
	assert.Equal(t, getResult.Error, nil)
	assert.Equal(t, "doc1", getResult.Result.Document.Id)

	versionCallback, versionResults := NewBlockingApiCallback[*GetDocumentVersionResult]()
	api.GetDocumentVersionAsync("doc1", versionCallback)
	versionResult := <-versionResults
	assert.Equal(t, versionResult.Error, nil)
	assert.Equal(t, int64(3), versionResult.Result.Version)

	putVersions := make(chan int64, 1)
	api.PutDocumentAsync(
		&PutDocumentArgs{Document: getResult.Result.Document},
		NewApiCallback(func(result *PutDocumentResult, err error) {
			if err == nil {
				putVersions <- result.Version
			} else {
				putVersions <- -1
			}
		}),
	)
	assert.Equal(t, int64(4), <-putVersions)
}

func TestRundownApiAuthError(t *testing.T) {
	server := newTestApiServer(t)

	api := NewRundownApi(server.URL)
	defer api.Close()

	_, err := api.GetDocument(context.Background(), "doc1")
	assert.NotEqual(t, err, nil)
}
