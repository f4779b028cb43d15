package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coach-planner/internal/config"
)

const (
	profilePrefix = "profile_pics/"

	// MaxImageBytes caps the size of an uploaded profile picture.
	MaxImageBytes = 5 << 20
)

var (
	// ErrUnsupportedImage is returned for files that are not a known image type.
	ErrUnsupportedImage = errors.New("media: unsupported image type")

	// ErrImageTooLarge is returned when an upload exceeds MaxImageBytes.
	ErrImageTooLarge = errors.New("media: image too large")
)

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Storage uploads profile pictures to an S3-compatible bucket served
// through a CDN.
type Storage struct {
	client ObjectPutter
	bucket string
	cdnURL string
	newID  func() string
}

// New builds Storage from configuration. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("media: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.CDNURL), nil
}

// NewWithClient builds Storage around an existing client.
func NewWithClient(client ObjectPutter, bucket, cdnURL string) *Storage {
	return &Storage{
		client: client,
		bucket: bucket,
		cdnURL: strings.TrimRight(cdnURL, "/"),
		newID:  uuid.NewString,
	}
}

// UploadProfilePicture stores the image under profile_pics/<uuid><ext> and
// returns the object key.
func (s *Storage) UploadProfilePicture(ctx context.Context, filename string, body io.Reader) (string, error) {
	ext := strings.ToLower(path.Ext(filename))
	contentType, ok := imageTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImage, ext)
	}

	data, err := io.ReadAll(io.LimitReader(body, MaxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("media: read upload: %w", err)
	}
	if len(data) > MaxImageBytes {
		return "", ErrImageTooLarge
	}

	key := profilePrefix + s.newID() + ext
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	}); err != nil {
		return "", fmt.Errorf("media: put object %s: %w", key, err)
	}

	log.Info().Str("key", key).Int("bytes", len(data)).Msg("[media] profile picture uploaded")
	return key, nil
}

// PublicURL returns the CDN URL of key. Keys that are already absolute URLs
// are returned unchanged.
func (s *Storage) PublicURL(key string) string {
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	if s.cdnURL == "" {
		return key
	}
	return s.cdnURL + "/" + strings.TrimLeft(key, "/")
}
