package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/collectr/marketpulse/marketpulse/database/models"
)

// SpacesArchiver uploads each day's snapshot set as a JSON object to
// S3-compatible object storage, keeping an off-database history of the
// aggregation output.
type SpacesArchiver struct {
	client *s3.Client
	bucket string
	region string
	prefix string
}

func NewSpacesArchiver(key, secret, region, bucket, prefix string) (*SpacesArchiver, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.digitaloceanspaces.com", region),
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load Spaces config: %w", err)
	}

	return &SpacesArchiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// ArchiveSnapshots uploads the snapshots for one calendar day. The key
// is date-stable, so re-running a batch overwrites the day's object the
// same way the store overwrites its rows.
func (a *SpacesArchiver) ArchiveSnapshots(ctx context.Context, date time.Time, snapshots []models.DailySnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	body, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshots: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s.json", date.UTC().Format("2006-01-02"))
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	contentType := "application/json"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive snapshots to %s: %w", key, err)
	}

	slog.Info("Snapshots archived",
		slog.String("type", "market"),
		slog.String("key", key),
		slog.Int("count", len(snapshots)))
	return nil
}

func (a *SpacesArchiver) GetBucket() string {
	return a.bucket
}

func (a *SpacesArchiver) GetRegion() string {
	return a.region
}
