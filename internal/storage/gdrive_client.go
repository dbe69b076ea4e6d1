package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// Document is a text export destined for an external store.
type Document struct {
	Name    string
	Content string
}

// UploadResult identifies an uploaded file.
type UploadResult struct {
	FileID      string
	Name        string
	WebViewLink string
}

// DriveClient uploads exports into the caller's Google Drive, under
// <folder>/<yyyy>/<mm>/<dd>.
type DriveClient struct {
	folderName string
	endpoint   string
}

// NewDriveClient creates a Drive uploader. endpoint overrides the API base
// URL and is empty in production.
func NewDriveClient(folderName, endpoint string) *DriveClient {
	if folderName == "" {
		folderName = "Transcripts"
	}
	return &DriveClient{folderName: folderName, endpoint: endpoint}
}

// Upload creates doc in Drive on behalf of the token's owner.
func (dc *DriveClient) Upload(ctx context.Context, ts oauth2.TokenSource, doc Document) (*UploadResult, error) {
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if dc.endpoint != "" {
		opts = append(opts, option.WithEndpoint(dc.endpoint))
	}
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}

	rootID, err := findOrCreateFolder(ctx, srv, dc.folderName, "")
	if err != nil {
		return nil, fmt.Errorf("unable to prepare folder: %w", err)
	}
	folderID, err := ensureDateFolder(ctx, srv, rootID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("unable to prepare date folder: %w", err)
	}

	file := &drive.File{
		Name:     doc.Name,
		MimeType: "text/plain",
		Parents:  []string{folderID},
	}
	created, err := srv.Files.Create(file).
		Media(strings.NewReader(doc.Content)).
		Fields("id", "name", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	link := created.WebViewLink
	if link == "" {
		link = fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id)
	}
	return &UploadResult{FileID: created.Id, Name: created.Name, WebViewLink: link}, nil
}

// ensureDateFolder creates nested year/month/day folders
func ensureDateFolder(ctx context.Context, srv *drive.Service, rootID string, t time.Time) (string, error) {
	yearID, err := findOrCreateFolder(ctx, srv, fmt.Sprintf("%d", t.Year()), rootID)
	if err != nil {
		return "", err
	}
	monthID, err := findOrCreateFolder(ctx, srv, fmt.Sprintf("%02d", t.Month()), yearID)
	if err != nil {
		return "", err
	}
	return findOrCreateFolder(ctx, srv, fmt.Sprintf("%02d", t.Day()), monthID)
}

// findOrCreateFolder finds or creates a folder with the given parent. An
// empty parentID means the Drive root.
func findOrCreateFolder(ctx context.Context, srv *drive.Service, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	r, err := srv.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to search for folder %q: %w", name, err)
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := srv.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create folder %q: %w", name, err)
	}
	return file.Id, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
