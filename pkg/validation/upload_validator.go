package validation

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/octapulse/fishlens/internal/errors"
)

const (
	// MaxUploadSize is the largest image the backend accepts (10 MiB)
	MaxUploadSize int64 = 10 * 1024 * 1024
	// MaxBatchFiles is the largest number of images in one batch upload
	MaxBatchFiles = 100
	// SniffLength is how many leading bytes are inspected for content type
	SniffLength = 2048

	maxFilenameLength = 100
	maxStemLength     = 90
)

// ImageFormat is one of the accepted upload formats
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatBMP  ImageFormat = "bmp"
	FormatTIFF ImageFormat = "tiff"
)

var extensionFormats = map[string]ImageFormat{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".bmp":  FormatBMP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
}

var mimeFormats = map[string]ImageFormat{
	"image/jpeg":     FormatJPEG,
	"image/jpg":      FormatJPEG,
	"image/pjpeg":    FormatJPEG,
	"image/png":      FormatPNG,
	"image/bmp":      FormatBMP,
	"image/x-ms-bmp": FormatBMP,
	"image/x-bmp":    FormatBMP,
	"image/tiff":     FormatTIFF,
}

// Reason explains why a file was rejected
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMissingName     Reason = "missing_name"
	ReasonEmpty           Reason = "empty_file"
	ReasonTooLarge        Reason = "file_too_large"
	ReasonUnsupportedType Reason = "unsupported_type"
	ReasonContentMismatch Reason = "content_mismatch"
)

// FileCandidate describes a file before it is submitted. Head holds the
// leading bytes of the content when they are available.
type FileCandidate struct {
	Name         string
	DeclaredType string
	Size         int64
	Head         []byte
}

// ValidationOutcome is the verdict for one file
type ValidationOutcome struct {
	Name         string      `json:"name"`
	Valid        bool        `json:"valid"`
	Format       ImageFormat `json:"format,omitempty"`
	DetectedType string      `json:"detected_type,omitempty"`
	Reason       Reason      `json:"reason,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// Err converts an invalid outcome into a validation error
func (o ValidationOutcome) Err() error {
	if o.Valid {
		return nil
	}
	return apperrors.NewValidationError(o.Message, nil).WithDetails(string(o.Reason))
}

// UploadValidator checks files against the upload contract
type UploadValidator struct {
	maxSize  int64
	maxFiles int
}

// NewUploadValidator creates a validator with the backend limits
func NewUploadValidator() *UploadValidator {
	return &UploadValidator{maxSize: MaxUploadSize, maxFiles: MaxBatchFiles}
}

// NewUploadValidatorWithLimits creates a validator with custom limits;
// non-positive values keep the defaults
func NewUploadValidatorWithLimits(maxSize int64, maxFiles int) *UploadValidator {
	v := NewUploadValidator()
	if maxSize > 0 {
		v.maxSize = maxSize
	}
	if maxFiles > 0 {
		v.maxFiles = maxFiles
	}
	return v
}

// MaxSize returns the per-file size limit in bytes
func (v *UploadValidator) MaxSize() int64 {
	return v.maxSize
}

// MaxFiles returns the batch size limit
func (v *UploadValidator) MaxFiles() int {
	return v.maxFiles
}

// Validate checks a single file with the default limits
func Validate(file FileCandidate) ValidationOutcome {
	return NewUploadValidator().Validate(file)
}

// Validate checks emptiness, size and type. It never touches the network or
// the filesystem.
func (v *UploadValidator) Validate(file FileCandidate) ValidationOutcome {
	out := ValidationOutcome{Name: file.Name}

	if strings.TrimSpace(file.Name) == "" {
		return reject(out, ReasonMissingName, "filename is required")
	}
	if file.Size <= 0 {
		return reject(out, ReasonEmpty, "empty file uploaded")
	}
	if file.Size > v.maxSize {
		return reject(out, ReasonTooLarge,
			fmt.Sprintf("file too large: %d bytes exceeds the %.1f MB limit", file.Size, float64(v.maxSize)/(1024*1024)))
	}

	ext := strings.ToLower(filepath.Ext(file.Name))
	extFormat, extOK := extensionFormats[ext]
	if ext != "" && !extOK {
		return reject(out, ReasonUnsupportedType, fmt.Sprintf("unsupported file extension %q", ext))
	}

	declared, ok := declaredFormat(file.DeclaredType)
	switch {
	case file.DeclaredType == "" && extOK:
		declared = extFormat
	case file.DeclaredType == "":
		return reject(out, ReasonUnsupportedType, "file type cannot be determined")
	case !ok:
		return reject(out, ReasonUnsupportedType, fmt.Sprintf("unsupported file type %q", file.DeclaredType))
	}
	out.Format = declared

	if len(file.Head) > 0 {
		head := file.Head
		if len(head) > SniffLength {
			head = head[:SniffLength]
		}
		detected := mimetype.Detect(head)
		out.DetectedType = detected.String()

		sniffed, ok := sniffedFormat(detected)
		if !ok {
			return reject(out, ReasonContentMismatch, fmt.Sprintf("invalid file format, detected %s", detected.String()))
		}
		if sniffed != declared {
			return reject(out, ReasonContentMismatch,
				fmt.Sprintf("content is %s but the file was declared as %s", sniffed, declared))
		}
	}

	out.Valid = true
	return out
}

// BatchValidation holds the per-file outcomes of a batch, in input order
type BatchValidation struct {
	Outcomes []ValidationOutcome `json:"outcomes"`
}

// ValidCount returns how many files may be submitted
func (b BatchValidation) ValidCount() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Valid {
			n++
		}
	}
	return n
}

// Invalid returns the rejected outcomes
func (b BatchValidation) Invalid() []ValidationOutcome {
	var out []ValidationOutcome
	for _, o := range b.Outcomes {
		if !o.Valid {
			out = append(out, o)
		}
	}
	return out
}

// ValidateBatch checks the file count and then every file
func (v *UploadValidator) ValidateBatch(files []FileCandidate) (BatchValidation, error) {
	if len(files) == 0 {
		return BatchValidation{}, apperrors.NewValidationError("at least one file is required", nil)
	}
	if len(files) > v.maxFiles {
		return BatchValidation{}, apperrors.NewValidationError(
			fmt.Sprintf("too many files: %d exceeds the batch limit of %d", len(files), v.maxFiles), nil)
	}

	result := BatchValidation{Outcomes: make([]ValidationOutcome, len(files))}
	for i, f := range files {
		result.Outcomes[i] = v.Validate(f)
	}
	return result, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
var repeatedUnderscores = regexp.MustCompile(`_+`)

// CleanFilename replaces characters that are unsafe in file names and caps
// the length while keeping the extension
func CleanFilename(name string) string {
	cleaned := unsafeFilenameChars.ReplaceAllString(name, "_")
	cleaned = repeatedUnderscores.ReplaceAllString(cleaned, "_")
	if len(cleaned) > maxFilenameLength {
		ext := filepath.Ext(cleaned)
		stem := strings.TrimSuffix(cleaned, ext)
		if len(stem) > maxStemLength {
			cut := maxStemLength
			for cut > 0 && !utf8.RuneStart(stem[cut]) {
				cut--
			}
			stem = stem[:cut]
		}
		cleaned = stem + ext
	}
	return cleaned
}

// declaredFormat maps a MIME type or extension to a format
func declaredFormat(declared string) (ImageFormat, bool) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared == "" {
		return "", false
	}
	if strings.Contains(declared, "/") {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return "", false
		}
		f, ok := mimeFormats[mediaType]
		return f, ok
	}
	if !strings.HasPrefix(declared, ".") {
		declared = "." + declared
	}
	f, ok := extensionFormats[declared]
	return f, ok
}

func sniffedFormat(m *mimetype.MIME) (ImageFormat, bool) {
	for mt := m; mt != nil; mt = mt.Parent() {
		if f, ok := mimeFormats[mt.String()]; ok {
			return f, true
		}
	}
	return "", false
}

func reject(out ValidationOutcome, reason Reason, msg string) ValidationOutcome {
	out.Valid = false
	out.Reason = reason
	out.Message = msg
	return out
}
