package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

// S3Archive mirrors approval log entries to an S3-compatible bucket as JSON
// objects, one per entry, keyed by document so retention tooling can sweep a
// document's full trail in one prefix listing.
type S3Archive struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func NewS3Archive(client *s3.Client, bucket string, prefix string) *S3Archive {
	return &S3Archive{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (a *S3Archive) Append(ctx context.Context, entry *model.ApprovalLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal approval log entry: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.Prefix, entry.DocumentID, entry.ID)
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive approval log entry to S3: %w", err)
	}
	return nil
}
