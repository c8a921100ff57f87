package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	apperrors "github.com/octapulse/fishlens/internal/errors"
	"github.com/octapulse/fishlens/pkg/validation"
)

type objectGetter interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Config selects the region and, optionally, static credentials and a
// custom endpoint such as MinIO
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// S3Source loads images from Amazon S3. References look like
// s3://<bucket>/<key>.
type S3Source struct {
	svc     objectGetter
	maxSize int64
}

func NewS3Source(cfg S3Config, maxSize int64) (*S3Source, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &S3Source{svc: s3.New(sess), maxSize: maxSize}, nil
}

func (s *S3Source) Load(ctx context.Context, ref *validation.SourceRef) (*Image, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Host),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
				return nil, apperrors.NewNotFoundError(fmt.Sprintf("object s3://%s/%s not found", ref.Host, ref.Path), err)
			case request.CanceledErrorCode:
				return nil, apperrors.NewTimeoutError("object download cancelled", err)
			}
		}
		return nil, apperrors.NewNetworkError("object download failed", err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, s.maxSize)
	if err != nil {
		return nil, apperrors.NewNetworkError("object download interrupted", err)
	}

	return &Image{
		Name:        baseName(ref.Path),
		ContentType: contentType(aws.StringValue(out.ContentType)),
		Size:        sizeOf(out.ContentLength, data),
		Data:        data,
	}, nil
}
