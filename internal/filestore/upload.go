package filestore

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Workspace is the minimal client contract the file store needs to upload a
// materialized file to the external workspace service (spec §4.3
// "Workspace upload (optional, configured)"). The real workspace/Shock
// protocol lives outside this module's scope; this interface is the seam a
// concrete client plugs into.
type Workspace interface {
	// EnsureDir best-effort creates workspacePath, ignoring "already exists".
	EnsureDir(ctx context.Context, workspacePath string) error
	// CreateObject registers a workspace object of the given semantic type
	// and returns the Shock URL to PUT file bytes to.
	CreateObject(ctx context.Context, workspacePath, semanticType string) (shockURL string, err error)
}

// Uploader uploads materialized files to a Workspace over HTTP PUT.
type Uploader struct {
	Workspace  Workspace
	HTTPClient *http.Client
}

// NewUploader constructs an Uploader. httpClient may be nil to use
// http.DefaultClient.
func NewUploader(ws Workspace, httpClient *http.Client) *Uploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Uploader{Workspace: ws, HTTPClient: httpClient}
}

// Upload resolves workspacePath, ensures its directory exists, creates a
// workspace object with the right semantic type, and PUTs the file bytes to
// the returned Shock URL, attaching the resulting
// {workspace_path, workspace_url, uploaded_at} to ref. Error-payload files
// are never uploaded (spec §4.3 "not uploaded to the remote workspace").
func (u *Uploader) Upload(ctx context.Context, ref *FileReference, workspacePath string, uploadedAt time.Time) error {
	if ref.IsError {
		return fmt.Errorf("filestore: refusing to upload error payload for tool %q", ref.ToolID)
	}
	if err := u.Workspace.EnsureDir(ctx, filepath.Dir(workspacePath)); err != nil {
		return fmt.Errorf("filestore: ensure workspace dir: %w", err)
	}
	semanticType := SemanticTypeFor(extensionFromPath(ref.Path))
	shockURL, err := u.Workspace.CreateObject(ctx, workspacePath, semanticType)
	if err != nil {
		return fmt.Errorf("filestore: create workspace object: %w", err)
	}

	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("filestore: open materialized file: %w", err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, shockURL, f)
	if err != nil {
		return err
	}
	if ct := mime.TypeByExtension("." + extensionFromPath(ref.Path)); ct != "" {
		req.Header.Set("Content-Type", ct)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("filestore: PUT to shock url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("filestore: shock PUT status %d: %s", resp.StatusCode, string(body))
	}

	ref.WorkspacePath = workspacePath
	ref.WorkspaceURL = shockURL
	ref.UploadedAt = uploadedAt
	return nil
}

func extensionFromPath(p string) string {
	ext := filepath.Ext(p)
	if len(ext) > 0 && ext[0] == '.' {
		return ext[1:]
	}
	return ext
}
