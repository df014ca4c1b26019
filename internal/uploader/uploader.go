// Package uploader ships rotated diagnostics spool files to S3.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Uploader pushes completed diagnostics files to an S3 bucket.
type Uploader struct {
	s3Client    *s3.Client
	bucket      string
	deleteAfter bool
	maxRetries  int
}

// flyTokenRetriever implements stscreds.IdentityTokenRetriever against
// Fly.io's OIDC token endpoint on the machine-local Unix socket.
type flyTokenRetriever struct {
	socketPath string
	audience   string
}

func (f *flyTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// New creates an uploader that assumes roleARN through Fly.io OIDC when
// set, and falls back to the default credential chain otherwise.
func New(ctx context.Context, bucket, region, roleARN string, deleteAfter bool, maxRetries int) (*Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if roleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		tokenRetriever := &flyTokenRetriever{
			socketPath: "/.fly/api",
			audience:   "sts.amazonaws.com",
		}
		credProvider := stscreds.NewWebIdentityRoleProvider(stsClient, roleARN, tokenRetriever)
		cfg.Credentials = aws.NewCredentialsCache(credProvider)
	}

	return &Uploader{
		s3Client:    s3.NewFromConfig(cfg),
		bucket:      bucket,
		deleteAfter: deleteAfter,
		maxRetries:  maxRetries,
	}, nil
}

// NewWithStaticCredentials creates an uploader from a static key pair.
func NewWithStaticCredentials(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string, deleteAfter bool, maxRetries int) (*Uploader, error) {
	credProvider := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credProvider),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &Uploader{
		s3Client:    s3.NewFromConfig(cfg),
		bucket:      bucket,
		deleteAfter: deleteAfter,
		maxRetries:  maxRetries,
	}, nil
}

// ScanAndUploadExisting uploads any .jsonl files left in outputDir by a
// previous run.
func (u *Uploader) ScanAndUploadExisting(ctx context.Context, outputDir string) error {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	var pending []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		pending = append(pending, filepath.Join(outputDir, entry.Name()))
	}
	if len(pending) == 0 {
		return nil
	}

	log.Printf("Found %d leftover diagnostics file(s) to upload", len(pending))
	for _, path := range pending {
		go u.uploadWithRetry(ctx, path)
	}
	return nil
}

// Start consumes rotated file paths until ctx is cancelled.
func (u *Uploader) Start(ctx context.Context, fileChan <-chan string) error {
	for {
		select {
		case localPath := <-fileChan:
			// Upload in a goroutine so the spool never blocks on S3.
			go u.uploadWithRetry(ctx, localPath)

		case <-ctx.Done():
			log.Println("Uploader shutting down...")
			return ctx.Err()
		}
	}
}

func (u *Uploader) uploadWithRetry(ctx context.Context, localPath string) {
	filename := filepath.Base(localPath)

	s3Key, err := generateS3Key(filename)
	if err != nil {
		log.Printf("Error generating S3 key for %s: %v", filename, err)
		return
	}

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		err := u.uploadFile(ctx, localPath, s3Key)
		if err == nil {
			log.Printf("Uploaded %s to s3://%s/%s", filename, u.bucket, s3Key)
			if u.deleteAfter {
				if err := os.Remove(localPath); err != nil {
					log.Printf("Error deleting local file %s: %v", localPath, err)
				}
			}
			return
		}

		if attempt < u.maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.Printf("Upload attempt %d/%d failed for %s: %v. Retrying in %v",
				attempt+1, u.maxRetries, filename, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}

	log.Printf("Failed to upload %s after %d attempts", filename, u.maxRetries)
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, s3Key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(s3Key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// generateS3Key partitions spool files by day.
// Input: diag_20260826_1030.jsonl
// Output: 2026/08/26/diag_20260826_1030.jsonl
func generateS3Key(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".jsonl")

	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) != 3 || parts[0] != "diag" {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	t, err := time.Parse("20060102_1504", parts[1]+"_"+parts[2])
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), t.Month(), t.Day(), filename), nil
}
