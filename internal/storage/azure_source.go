package storage

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/validation"
)

type blobDownloader interface {
	DownloadStream(ctx context.Context, containerName string, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// AzureSource loads images from Azure Blob Storage. References look like
// az://<container>/<blob>.
type AzureSource struct {
	client  blobDownloader
	maxSize int64
}

func NewAzureSource(accountName, accountKey string, maxSize int64) (*AzureSource, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &AzureSource{client: client, maxSize: maxSize}, nil
}

func (s *AzureSource) Load(ctx context.Context, ref *validation.SourceRef) (*Image, error) {
	// one byte past the limit is enough to reject oversized blobs
	opts := &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: 0, Count: s.maxSize + 1},
	}
	resp, err := s.client.DownloadStream(ctx, ref.Host, ref.Path, opts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.InvalidRange) {
			// only an empty blob cannot satisfy a range starting at 0
			return &Image{Name: baseName(ref.Path)}, nil
		}
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("blob %s/%s not found", ref.Host, ref.Path), err)
		}
		return nil, apperrors.NewNetworkError("blob download failed", err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, s.maxSize)
	if err != nil {
		return nil, apperrors.NewNetworkError("blob download interrupted", err)
	}

	return &Image{
		Name:        baseName(ref.Path),
		ContentType: contentType(deref(resp.ContentType)),
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
