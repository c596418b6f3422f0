package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore backs the object contract with an Azure blob container. The
// version token is the blob ETag, and conditional writes map directly onto
// If-Match / If-None-Match access conditions, so this backend gives the
// same compare-and-swap guarantee as the file backend.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// AzureConfig selects a blob container via a connection string.
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

// NewAzureStore connects to the blob service named by the connection string.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

func (a *AzureStore) mapError(err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return ErrNotFound
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists):
		return ErrVersionConflict
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}

func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, "", a.mapError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read blob %s: %w", key, err)
	}

	var version Version
	if resp.ETag != nil {
		version = Version(*resp.ETag)
	}
	return data, version, nil
}

func (a *AzureStore) Put(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	opts := &azblob.UploadBufferOptions{}
	switch expected {
	case "":
		// Unconditional.
	case VersionAbsent:
		noneMatch := azcore.ETagAny
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &noneMatch},
		}
	default:
		match := azcore.ETag(expected)
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &match},
		}
	}

	resp, err := a.client.UploadBuffer(ctx, a.container, key, data, opts)
	if err != nil {
		return "", a.mapError(err)
	}

	var version Version
	if resp.ETag != nil {
		version = Version(*resp.ETag)
	}
	return version, nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil {
		return a.mapError(err)
	}
	return nil
}

func (a *AzureStore) List(ctx context.Context, prefix, token string, max int) ([]string, string, error) {
	opts := &azblob.ListBlobsFlatOptions{Prefix: &prefix}
	if token != "" {
		opts.Marker = &token
	}
	if max > 0 {
		limit := int32(max)
		opts.MaxResults = &limit
	}

	pager := a.client.NewListBlobsFlatPager(a.container, opts)
	if !pager.More() {
		return nil, "", nil
	}

	page, err := pager.NextPage(ctx)
	if err != nil {
		return nil, "", a.mapError(err)
	}

	var keys []string
	for _, item := range page.Segment.BlobItems {
		if item.Name != nil {
			keys = append(keys, *item.Name)
		}
	}

	var next string
	if page.NextMarker != nil {
		next = *page.NextMarker
	}
	return keys, next, nil
}

func (a *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if mapped := a.mapError(err); mapped == ErrNotFound {
		return false, nil
	} else {
		return false, mapped
	}
}
