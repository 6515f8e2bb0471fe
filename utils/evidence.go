// utils/evidence.go
package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var evidenceClient *s3.Client
var evidenceBucket string
var evidenceBaseURL string

// InitEvidenceStore configures the R2 bucket that holds result evidence
// (screenshots, recordings). Evidence URLs are opaque to the rest of the
// system; nothing here is ever parsed back.
func InitEvidenceStore() error {
	accountID := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	accessKeyID := os.Getenv("R2_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("R2_ACCESS_KEY_SECRET")
	evidenceBucket = os.Getenv("R2_EVIDENCE_BUCKET")
	evidenceBaseURL = os.Getenv("CDN_BASE_URL")
	if evidenceBaseURL == "" {
		evidenceBaseURL = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
				}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load evidence store config: %w", err)
	}

	evidenceClient = s3.NewFromConfig(cfg)
	return nil
}

// UploadEvidence stores a multipart file under key and returns its public URL.
func UploadEvidence(fileHeader *multipart.FileHeader, key string) (string, error) {
	if evidenceClient == nil {
		return "", errors.New("evidence store not configured")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	_, err = evidenceClient.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(evidenceBucket),
		Key:         aws.String(key),
		Body:        buf,
		ContentType: aws.String(fileHeader.Header.Get("Content-Type")),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence: %w", err)
	}

	return fmt.Sprintf("%s/%s", evidenceBaseURL, key), nil
}
