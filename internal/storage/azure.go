package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig holds Azure Blob Storage settings. Exactly one auth
// method is used, tried in field order.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // defaults to https://<account>.blob.core.windows.net
}

// AzureBlobBackend stores objects as block blobs in one container
type AzureBlobBackend struct {
	client    *azblob.Client
	container string
	logger    zerolog.Logger
}

// NewAzureBlobBackend creates an Azure backend
func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var (
		client *azblob.Client
		err    error
		method string
	)
	switch {
	case cfg.ConnectionString != "":
		method = "connection_string"
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		method = "shared_key"
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		}
	case cfg.AccountName != "" && cfg.SASToken != "":
		method = "sas_token"
		client, err = azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
	case cfg.UseManagedIdentity && cfg.AccountName != "":
		method = "managed_identity"
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err == nil {
			client, err = azblob.NewClient(endpoint, cred, nil)
		}
	default:
		return nil, fmt.Errorf("no Azure authentication configured: set connection_string, account_name with account_key or sas_token, or use_managed_identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client (%s): %w", method, err)
	}

	log.Info().Str("container", cfg.ContainerName).Str("auth", method).Msg("Azure Blob storage configured")
	return &AzureBlobBackend{client: client, container: cfg.ContainerName, logger: log}, nil
}

func (b *AzureBlobBackend) containerClient() *container.Client {
	return b.client.ServiceClient().NewContainerClient(b.container)
}

func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader uploads reader as a block blob
func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	ct := contentType(path)
	_, err := b.containerClient().NewBlockBlobClient(path).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("failed to write %s to Azure: %w", path, err)
	}
	b.logger.Debug().Str("path", path).Int64("size", size).Dur("duration", time.Since(start)).Msg("Wrote to Azure")
	return nil
}

func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.containerClient().NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read from Azure: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	objs, err := b.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Path
	}
	return out, nil
}

func (b *AzureBlobBackend) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	pager := b.containerClient().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Path: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (b *AzureBlobBackend) Size(ctx context.Context, path string) (int64, error) {
	props, err := b.containerClient().NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to get Azure blob properties: %w", err)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

// Delete removes the blob; a missing blob is not an error
func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	_, err := b.containerClient().NewBlobClient(path).Delete(ctx, nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete from Azure: %w", err)
	}
	return nil
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

// Container returns the container name
func (b *AzureBlobBackend) Container() string { return b.container }

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
