package validation

import (
	"net/url"
	"strings"

	apperrors "github.com/octapulse/fishlens/internal/errors"
)

// Source schemes understood by the image source factory
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeAzure = "az"
	SchemeS3    = "s3"
)

// SourceRef is a parsed image reference. For remote schemes Host is the
// server, Azure container or S3 bucket; Path is the object key or file path.
type SourceRef struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
}

// SourceValidator checks image references before any bytes are fetched
type SourceValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewSourceValidator accepts local files, http(s), Azure blobs and S3 objects
func NewSourceValidator() *SourceValidator {
	return &SourceValidator{
		allowedSchemes: []string{SchemeFile, SchemeHTTP, SchemeHTTPS, SchemeAzure, SchemeS3},
		allowedHosts:   []string{}, // empty means all hosts allowed
	}
}

// NewSourceValidatorWithOptions creates a validator with custom schemes and hosts
func NewSourceValidatorWithOptions(schemes []string, hosts []string) *SourceValidator {
	return &SourceValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// ValidateSource parses ref and checks it is acceptable as an image source.
// References without a scheme, and Windows drive paths, are local files.
func (v *SourceValidator) ValidateSource(ref string) (*SourceRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.NewValidationError("image reference cannot be empty", nil)
	}

	if isLocalPath(ref) {
		if !v.isSchemeAllowed(SchemeFile) {
			return nil, apperrors.NewValidationError("local files are not allowed", nil)
		}
		return &SourceRef{Raw: ref, Scheme: SchemeFile, Path: ref}, nil
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid image reference", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !v.isSchemeAllowed(scheme) {
		return nil, apperrors.NewValidationError("image reference scheme not allowed", nil)
	}

	if scheme == SchemeFile {
		if parsed.Path == "" {
			return nil, apperrors.NewValidationError("file reference must have a path", nil)
		}
		return &SourceRef{Raw: ref, Scheme: SchemeFile, Path: parsed.Path}, nil
	}

	if parsed.Host == "" {
		return nil, apperrors.NewValidationError("image reference must have a host", nil)
	}
	if !v.isHostAllowed(parsed.Host) {
		return nil, apperrors.NewValidationError("image reference host not allowed", nil)
	}

	out := &SourceRef{Raw: ref, Scheme: scheme, Host: parsed.Host, Path: parsed.Path}
	if scheme == SchemeAzure || scheme == SchemeS3 {
		out.Path = strings.TrimPrefix(parsed.Path, "/")
		if out.Path == "" {
			return nil, apperrors.NewValidationError("object reference must name a key", nil)
		}
	}
	return out, nil
}

func isLocalPath(ref string) bool {
	if !strings.Contains(ref, "://") {
		return true
	}
	// C:\images\fish.jpg style paths
	return len(ref) > 2 && ref[1] == ':' && (ref[2] == '\\' || ref[2] == '/')
}

// isSchemeAllowed checks if the scheme is in the allowed list
func (v *SourceValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// isHostAllowed returns true if no host restrictions are set
func (v *SourceValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}
