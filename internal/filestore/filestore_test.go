package filestore_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cucinellclark/bvbrc-agent-core/internal/filestore"
)

func TestUnwrapStructuredContentPriority(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"structuredContent":{"result":{"foo":"bar"}},"result":{"foo":"baz"}}`)
	v, err := filestore.Unwrap(raw)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, "bar", m["foo"])
}

func TestUnwrapContentTextFallback(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"content":[{"type":"text","text":"{\"results\":[1,2,3]}"}]}`)
	v, err := filestore.Unwrap(raw)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Len(t, m["results"], 3)
}

func TestUnwrapTopLevelResultMergesSiblings(t *testing.T) {
	t.Parallel()
	raw := json.RawMessage(`{"result":{"items":[1,2]},"numFound":2}`)
	v, err := filestore.Unwrap(raw)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Len(t, m["items"], 2)
	assert.EqualValues(t, 2, m["numFound"])
}

func TestDetectType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, filestore.TypeJSONArray, filestore.DetectType([]any{map[string]any{"a": 1}}))
	assert.Equal(t, filestore.TypeArray, filestore.DetectType([]any{"a", "b"}))
	assert.Equal(t, filestore.TypeEmptyArray, filestore.DetectType([]any{}))
	assert.Equal(t, filestore.TypeJSONObject, filestore.DetectType(map[string]any{"a": 1}))
	assert.Equal(t, filestore.TypeFasta, filestore.DetectType(">seq1\nACGT\n>seq2\nTTTT\n"))
	assert.Equal(t, filestore.TypeTSV, filestore.DetectType("a\tb\n1\t2\n"))
	assert.Equal(t, filestore.TypeCSV, filestore.DetectType("a,b\n1,2\n"))
	assert.Equal(t, filestore.TypeNull, filestore.DetectType(nil))
}

func TestIsErrorPayload(t *testing.T) {
	t.Parallel()
	assert.True(t, filestore.IsErrorPayload(map[string]any{"isError": true}))
	assert.True(t, filestore.IsErrorPayload(map[string]any{"error": true}))
	assert.False(t, filestore.IsErrorPayload(map[string]any{"error": false}))
	assert.False(t, filestore.IsErrorPayload("plain string"))
}

func TestMaterializeWritesFileAndMetadata(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := filestore.New(dir)

	ref, err := store.Materialize("session-1", "bvbrc-mcp-data.search_data", []any{map[string]any{"genome_id": "83332.12"}})
	require.NoError(t, err)
	assert.Equal(t, filestore.TypeJSONArray, ref.DataType)
	assert.Equal(t, 1, ref.Summary.RecordCount)
	assert.FileExists(t, ref.Path)

	written, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(written)), ref.Summary.Size, "summary.size must equal the serialized payload byte length")
	assert.NotEmpty(t, ref.Summary.SizeFormatted)

	metaPath := filepath.Join(dir, "sessions", "session-1", "downloads", "metadata.json")
	assert.FileExists(t, metaPath)
	b, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), ref.FileID)
}

func TestMaterializeErrorPayloadZeroesSummary(t *testing.T) {
	t.Parallel()
	store := filestore.New(t.TempDir())
	ref, err := store.Materialize("s1", "t1", map[string]any{"isError": true, "message": "boom"})
	require.NoError(t, err)
	assert.True(t, ref.IsError)
	assert.Equal(t, 0, ref.Summary.RecordCount)
	assert.Greater(t, ref.Summary.Size, int64(0), "size is still reported for error payloads")
}

type fakeWorkspace struct {
	shockURL string
}

func (f *fakeWorkspace) EnsureDir(ctx context.Context, path string) error { return nil }
func (f *fakeWorkspace) CreateObject(ctx context.Context, path, semanticType string) (string, error) {
	return f.shockURL, nil
}

func TestUploaderPutsFileToShockURL(t *testing.T) {
	t.Parallel()
	var uploadedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		uploadedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := filestore.New(t.TempDir())
	ref, err := store.Materialize("s1", "t1", "hello world")
	require.NoError(t, err)

	up := filestore.NewUploader(&fakeWorkspace{shockURL: srv.URL}, srv.Client())
	err = up.Upload(context.Background(), ref, "/user/home/CopilotDownloads/out.txt", time.Now())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, ref.WorkspaceURL)
	assert.Equal(t, []byte("hello world"), uploadedBody)
}

func TestUploaderRefusesErrorPayload(t *testing.T) {
	t.Parallel()
	store := filestore.New(t.TempDir())
	ref, err := store.Materialize("s1", "t1", map[string]any{"isError": true})
	require.NoError(t, err)

	up := filestore.NewUploader(&fakeWorkspace{}, nil)
	err = up.Upload(context.Background(), ref, "/x", time.Now())
	require.Error(t, err)
}
