package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/faucetlabs/drip/utils/pkg/retry"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3StoreConfig configures a ledger blob stored as a single object in a
// bucket, for deployments without a config repo.
type S3StoreConfig struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	Key    string

	Retry retry.Config
}

func (cfg *S3StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return errors.New("bucket and key are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// S3Store keeps the ledger blob in an S3 object.
type S3Store struct {
	log *slog.Logger
	cfg S3StoreConfig
}

func NewS3Store(cfg S3StoreConfig) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{log: cfg.Logger, cfg: cfg}, nil
}

func (s *S3Store) Name() string {
	return fmt.Sprintf("s3:%s/%s", s.cfg.Bucket, s.cfg.Key)
}

func (s *S3Store) Fetch(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.cfg.Key),
		})
		if err != nil {
			var noSuchKey *s3types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return fmt.Errorf("%w: %s", ErrNotFound, s.Name())
			}
			return fmt.Errorf("failed to fetch ledger object: %w", err)
		}
		defer out.Body.Close()
		blob, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("failed to read ledger object: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *S3Store) Put(ctx context.Context, blob []byte) error {
	_, err := s.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.cfg.Key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write ledger object: %w", err)
	}
	s.log.Debug("ledger: wrote blob", "store", s.Name(), "bytes", len(blob))
	return nil
}
