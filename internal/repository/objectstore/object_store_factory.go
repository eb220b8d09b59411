package objectstore

import (
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
)

// ObjectRepositoryFactory creates object repository instances
type ObjectRepositoryFactory struct {
	awsConfig *aws.Config
	gcsClient *storage.Client
	fs        afero.Fs
}

// NewObjectRepositoryFactory creates a new factory. Any provider may be nil;
// creating a repository for a missing provider fails.
func NewObjectRepositoryFactory(awsConfig *aws.Config, gcsClient *storage.Client, fs afero.Fs) *ObjectRepositoryFactory {
	return &ObjectRepositoryFactory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
		fs:        fs,
	}
}

// CreateRepository creates a repository based on bucket configuration
func (f *ObjectRepositoryFactory) CreateRepository(config BucketConfig) (ObjectRepository, error) {
	switch config.Type {
	case S3Type:
		if f.awsConfig == nil {
			return nil, fmt.Errorf("AWS configuration not loaded")
		}
		return NewS3ObjectRepository(s3.NewFromConfig(*f.awsConfig), config.Name), nil
	case GCSType:
		if f.gcsClient == nil {
			return nil, fmt.Errorf("GCS client not configured")
		}
		return NewGCSObjectRepository(f.gcsClient, config.Name), nil
	case FileType:
		if f.fs == nil {
			return nil, fmt.Errorf("local filesystem not configured")
		}
		return NewLocalObjectRepository(f.fs, config.Name), nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}

// ParseBucketConfig parses bucket configuration from string
// Formats: "s3://bucket-name", "gs://bucket-name", "file://dir", "s3:bucket-name", or "bucket-name" (defaults to S3)
func ParseBucketConfig(bucketStr string) (BucketConfig, error) {
	bucketStr = strings.TrimSpace(bucketStr)

	// Handle URI format (s3://, gs://, file://)
	if strings.Contains(bucketStr, "://") {
		parts := strings.SplitN(bucketStr, "://", 2)
		scheme := strings.ToLower(strings.TrimSpace(parts[0]))
		bucketName := strings.TrimSpace(parts[1])

		if bucketName == "" {
			return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
		}

		var repoType RepositoryType
		switch scheme {
		case "s3":
			repoType = S3Type
		case "gs":
			repoType = GCSType
		case "file":
			repoType = FileType
		default:
			return BucketConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
		}

		return BucketConfig{Name: bucketName, Type: repoType}, nil
	}

	// Handle colon format (s3:bucket-name)
	parts := strings.SplitN(bucketStr, ":", 2)
	if len(parts) != 2 {
		// Default to S3 for backward compatibility
		return BucketConfig{Name: bucketStr, Type: S3Type}, nil
	}

	repoType := RepositoryType(strings.ToLower(strings.TrimSpace(parts[0])))
	bucketName := strings.TrimSpace(parts[1])

	if bucketName == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
	}

	return BucketConfig{Name: bucketName, Type: repoType}, nil
}

// FromPlatform converts a configured bucket (name plus platform) into a
// BucketConfig. Platform "gs" is accepted as an alias of "gcs".
func FromPlatform(name, platform string) (BucketConfig, error) {
	if strings.TrimSpace(name) == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "", "s3":
		return BucketConfig{Name: name, Type: S3Type}, nil
	case "gcs", "gs":
		return BucketConfig{Name: name, Type: GCSType}, nil
	case "file", "local":
		return BucketConfig{Name: name, Type: FileType}, nil
	default:
		return BucketConfig{}, fmt.Errorf("unsupported platform: %s", platform)
	}
}
