package httpagent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentfleet/coordinator/internal/collaborators"
)

func TestRunTaskPostsSpecAndDecodesResult(t *testing.T) {
	var gotPath string
	var gotBody runTaskRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runTaskResponse{
			ActualCost:    1.5,
			FilesCreated:  []string{"out.go"},
			FilesModified: []string{"main.go"},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, nil, zaptest.NewLogger(t))
	result, err := client.RunTask(t.Context(), collaborators.TaskSpec{
		TaskID:      "task-1",
		AgentID:     "agent-1",
		Description: "do the thing",
		Outputs:     []string{"out.go"},
	})
	require.NoError(t, err)
	require.Equal(t, "/tasks", gotPath)
	require.Equal(t, "task-1", gotBody.TaskID)
	require.Equal(t, 1.5, result.ActualCost)
	require.Equal(t, []string{"out.go"}, result.FilesCreated)
	require.Equal(t, []string{"main.go"}, result.FilesModified)
}

func TestReadEscapesPathQueryParameter(t *testing.T) {
	var gotRawQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Content []byte `json:"content"`
		}{Content: []byte("hello")})
	}))
	defer srv.Close()

	client := New(srv.URL, nil, zaptest.NewLogger(t))
	path := "dir with spaces/a&b.txt"
	resp, err := client.Read(t.Context(), path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), resp.Content)

	values, err := url.ParseQuery(gotRawQuery)
	require.NoError(t, err)
	require.Equal(t, path, values.Get("path"))
}

func TestWritePostsContentAndDecodesResult(t *testing.T) {
	var gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Content []byte `json:"content"`
		}{Content: []byte("ok")})
	}))
	defer srv.Close()

	client := New(srv.URL, nil, zaptest.NewLogger(t))
	resp, err := client.Write(t.Context(), collaborators.FileRequest{Path: "a.txt", Content: []byte("data")})
	require.NoError(t, err)
	require.Equal(t, "/files", gotPath)
	require.Equal(t, []byte("ok"), resp.Content)
}

func TestDoJSONReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL, nil, zaptest.NewLogger(t))
	_, err := client.RunTask(t.Context(), collaborators.TaskSpec{TaskID: "task-1"})
	require.Error(t, err)
}
