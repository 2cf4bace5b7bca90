// Package mock provides test doubles for provider.Client.
package mock

import (
	"context"

	"github.com/kiranshivaraju/batchpilot/internal/provider"
)

// Client satisfies provider.Client with overridable functions. An unset
// function returns zero values and no error.
type Client struct {
	UploadFunc    func(ctx context.Context, name string, data []byte) (string, error)
	CreateJobFunc func(ctx context.Context, req provider.CreateJobRequest) (string, error)
	GetStatusFunc func(ctx context.Context, externalJobID string) (*provider.BatchStatus, error)
	DownloadFunc  func(ctx context.Context, artifactID string) ([]byte, error)
}

func (m *Client) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, name, data)
	}
	return "", nil
}

func (m *Client) CreateJob(ctx context.Context, req provider.CreateJobRequest) (string, error) {
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx, req)
	}
	return "", nil
}

func (m *Client) GetStatus(ctx context.Context, externalJobID string) (*provider.BatchStatus, error) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, externalJobID)
	}
	return &provider.BatchStatus{ID: externalJobID, Status: provider.StatusInProgress}, nil
}

func (m *Client) Download(ctx context.Context, artifactID string) ([]byte, error) {
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, artifactID)
	}
	return nil, nil
}

// NewFailingClient returns a Client whose every call fails with err.
func NewFailingClient(err error) *Client {
	return &Client{
		UploadFunc: func(context.Context, string, []byte) (string, error) { return "", err },
		CreateJobFunc: func(context.Context, provider.CreateJobRequest) (string, error) {
			return "", err
		},
		GetStatusFunc: func(context.Context, string) (*provider.BatchStatus, error) { return nil, err },
		DownloadFunc:  func(context.Context, string) ([]byte, error) { return nil, err },
	}
}

// Compile-time check that Client implements provider.Client.
var _ provider.Client = (*Client)(nil)
