package scm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/toolkit"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
}

func newTestGitHub(t *testing.T, mux *http.ServeMux) (*GitHub, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	g := New(config.GitHubSettings{
		Token:           "ghp_test",
		Owner:           "acme",
		Repo:            "dbt",
		Branch:          "main",
		Timeout:         5,
		WorkflowTimeout: 60,
	}, WithBaseURL(srv.URL))
	g.DispatchDelay = 0
	g.FindInterval = time.Millisecond
	g.PollInterval = time.Millisecond
	return g, srv
}

func fileBody(path, content, sha string) map[string]any {
	return map[string]any{
		"type":     "file",
		"encoding": "base64",
		"path":     path,
		"name":     path,
		"sha":      sha,
		"size":     len(content),
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
	}
}

func TestGitHub_Files(t *testing.T) {
	ctx := context.Background()

	t.Run("Should read and decode a file on the configured branch", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/dbt_project.yml", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, fileBody("dbt_project.yml", "name: bronze\n", "abc"))
		})
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{"operation": "read_file", "path": "dbt_project.yml"})
		require.True(t, res.Success(), res.Error)
		data := res.Data.(map[string]any)
		assert.Equal(t, "name: bronze\n", data["content"])
		assert.Equal(t, "abc", data["sha"])
		assert.Equal(t, "read_file", res.Metadata["operation"])
	})

	t.Run("Should report missing files", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/missing.sql", notFound)
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{"operation": "read_file", "path": "missing.sql"})
		assert.Equal(t, toolkit.StatusError, res.Status)
		assert.Equal(t, "File not found: missing.sql", res.Error)
	})

	t.Run("Should list a directory and refuse to list a file", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/models", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{
				{"type": "file", "name": "orders.sql", "path": "models/orders.sql", "size": 120},
				{"type": "dir", "name": "staging", "path": "models/staging", "size": 0},
			})
		})
		mux.HandleFunc("/repos/acme/dbt/contents/README.md", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, fileBody("README.md", "# dbt", "r1"))
		})
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{"operation": "list_directory", "path": "/models/"})
		require.True(t, res.Success(), res.Error)
		data := res.Data.(map[string]any)
		assert.Equal(t, "models", data["path"])
		entries := data["entries"].([]map[string]any)
		require.Len(t, entries, 2)
		assert.Equal(t, "dir", entries[1]["type"])

		res = g.Execute(ctx, map[string]any{"operation": "list_directory", "path": "README.md"})
		assert.Equal(t, "Path 'README.md' is a file, not a directory.", res.Error)
	})

	t.Run("Should create a file that does not exist yet", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/models/orders.sql", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				notFound(w, r)
				return
			}
			assert.Equal(t, http.MethodPut, r.Method)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotContains(t, body, "sha")
			assert.Equal(t, "main", body["branch"])
			decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
			require.NoError(t, err)
			assert.Equal(t, "select 1", string(decoded))
			writeJSON(w, http.StatusCreated, map[string]any{
				"content": map[string]any{"path": "models/orders.sql", "sha": "new"},
				"commit":  map[string]any{"sha": "c1", "message": "add orders"},
			})
		})
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{
			"operation": "create_or_update_file",
			"path":      "models/orders.sql",
			"content":   "select 1",
			"message":   "add orders",
		})
		require.True(t, res.Success(), res.Error)
		data := res.Data.(map[string]any)
		assert.Equal(t, "created", data["action"])
		assert.Equal(t, "c1", data["commit_sha"])
		assert.Equal(t, "add orders", data["commit_message"])
	})

	t.Run("Should update an existing file with its sha", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/models/orders.sql", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				writeJSON(w, http.StatusOK, fileBody("models/orders.sql", "old", "s1"))
				return
			}
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "s1", body["sha"])
			writeJSON(w, http.StatusOK, map[string]any{
				"content": map[string]any{"path": "models/orders.sql", "sha": "s2"},
				"commit":  map[string]any{"sha": "c2", "message": "update"},
			})
		})
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{"operation": "create_or_update_file", "path": "models/orders.sql", "content": "new", "message": "update"})
		require.True(t, res.Success(), res.Error)
		assert.Equal(t, "updated", res.Data.(map[string]any)["action"])
	})

	t.Run("Should delete a file and refuse unknown paths", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt/contents/old.sql", func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				writeJSON(w, http.StatusOK, fileBody("old.sql", "x", "d1"))
				return
			}
			assert.Equal(t, http.MethodDelete, r.Method)
			writeJSON(w, http.StatusOK, map[string]any{"commit": map[string]any{"sha": "c3"}})
		})
		mux.HandleFunc("/repos/acme/dbt/contents/gone.sql", notFound)
		g, _ := newTestGitHub(t, mux)

		res := g.Execute(ctx, map[string]any{"operation": "delete_file", "path": "old.sql", "message": "rm"})
		require.True(t, res.Success(), res.Error)
		assert.Equal(t, map[string]any{"path": "old.sql", "deleted": true, "commit_sha": "c3"}, res.Data)

		res = g.Execute(ctx, map[string]any{"operation": "delete_file", "path": "gone.sql", "message": "rm"})
		assert.Equal(t, "File not found: gone.sql", res.Error)
	})

	t.Run("Should reject unknown operations", func(t *testing.T) {
		g, _ := newTestGitHub(t, http.NewServeMux())
		res := g.Execute(ctx, map[string]any{"operation": "fork"})
		assert.Contains(t, res.Error, "Unknown operation 'fork'")
	})
}

func TestGitHub_Validate(t *testing.T) {
	t.Run("Should report the repository", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/dbt", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"full_name": "acme/dbt", "default_branch": "main", "private": true})
		})
		g, _ := newTestGitHub(t, mux)

		res := g.Validate(context.Background())
		require.True(t, res.Success(), res.Error)
		assert.Equal(t, map[string]any{"connected": true, "repo": "acme/dbt", "default_branch": "main", "private": true}, res.Data)
	})

	t.Run("Should derive owner and repo from the repository url", func(t *testing.T) {
		g := New(config.GitHubSettings{RepositoryURL: "https://github.com/acme/dbt.git"})
		assert.Equal(t, "acme", g.cfg.Owner)
		assert.Equal(t, "dbt", g.cfg.Repo)
		assert.Equal(t, "main", g.cfg.Branch)
	})
}
