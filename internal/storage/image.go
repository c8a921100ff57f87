package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/octapulse/fishlens/pkg/validation"
)

// Image is raw image content loaded from a source. When the content is
// larger than the source's limit, Data is truncated and Size is limit+1 or
// the size reported by the source.
type Image struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// Candidate describes the image for upload validation
func (i *Image) Candidate() validation.FileCandidate {
	head := i.Data
	if len(head) > validation.SniffLength {
		head = head[:validation.SniffLength]
	}
	return validation.FileCandidate{
		Name:         i.Name,
		DeclaredType: i.ContentType,
		Size:         i.Size,
		Head:         head,
	}
}

// ImageSource loads image bytes for a parsed reference
type ImageSource interface {
	Load(ctx context.Context, ref *validation.SourceRef) (*Image, error)
}

// readLimited reads at most limit+1 bytes so oversized content is detected
// without buffering all of it
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// sizeOf prefers the size announced by the source
func sizeOf(announced *int64, data []byte) int64 {
	if announced != nil && *announced > int64(len(data)) {
		return *announced
	}
	return int64(len(data))
}

// baseName returns the last path element of an object key or URL path
func baseName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// contentType drops a generic type so the extension decides
func contentType(ct string) string {
	ct = strings.TrimSpace(ct)
	switch strings.ToLower(ct) {
	case "", "application/octet-stream", "binary/octet-stream":
		return ""
	}
	return ct
}
