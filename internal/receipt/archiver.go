package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"payment-switch/internal/config"
	"payment-switch/internal/logging"
	"payment-switch/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Receipt is the settlement proof archived for every completed transaction.
type Receipt struct {
	TxnID             string                   `json:"txn_id"`
	TransactionID     string                   `json:"transaction_id"`
	Type              models.TransactionType   `json:"type"`
	Status            models.TransactionStatus `json:"status"`
	UserID            string                   `json:"user_id,omitempty"`
	Amount            float64                  `json:"amount"`
	Currency          string                   `json:"currency"`
	ConvertedAmount   *float64                 `json:"converted_amount,omitempty"`
	ConvertedCurrency string                   `json:"converted_currency,omitempty"`
	Rail              string                   `json:"rail,omitempty"`
	ExternalID        string                   `json:"external_id,omitempty"`
	IssuedAt          time.Time                `json:"issued_at"`
}

// Archiver writes receipts to S3 when a bucket is configured, else to a local directory.
type Archiver struct {
	up     uploader
	logger *zap.Logger
	now    func() time.Time
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Archiver, error) {
	if cfg.ReceiptS3Bucket == "" {
		return NewLocal(cfg.ReceiptDir, logger), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newArchiver(&s3Uploader{client: client, bucket: cfg.ReceiptS3Bucket}, logger), nil
}

func NewLocal(dir string, logger *zap.Logger) *Archiver {
	if dir == "" {
		dir = "./receipts"
	}
	return newArchiver(&localUploader{baseDir: dir}, logger)
}

func newArchiver(up uploader, logger *zap.Logger) *Archiver {
	return &Archiver{
		up:     up,
		logger: logging.Resolve(logger).With(zap.String("module", "receipt")),
		now:    time.Now,
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReceiptS3Region),
	}
	if cfg.ReceiptS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReceiptS3Endpoint,
					HostnameImmutable: cfg.ReceiptS3PathStyle,
					SigningRegion:     cfg.ReceiptS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReceiptS3PathStyle
	}), nil
}

// Archive stores the receipt for txn and returns where it was written.
func (a *Archiver) Archive(ctx context.Context, txn models.Transaction, settlement models.Settlement) (string, error) {
	issued := a.now().UTC()
	rec := Receipt{
		TxnID:             txn.TxnID,
		TransactionID:     txn.ID,
		Type:              txn.Type,
		Status:            txn.Status,
		UserID:            txn.UserID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		ConvertedAmount:   txn.ConvertedAmount,
		ConvertedCurrency: txn.ConvertedCurrency,
		Rail:              settlement.Rail,
		ExternalID:        settlement.ExternalTxnID,
		IssuedAt:          issued,
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	key := ReceiptKey(txn.TxnID, issued)
	location, err := a.up.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload receipt %s: %w", txn.TxnID, err)
	}
	a.logger.Debug("receipt archived",
		zap.String("event", "receipt_archived"),
		zap.String("txn_id", txn.TxnID),
		zap.String("location", location),
	)
	return location, nil
}

// ReceiptKey partitions receipts by issue month.
func ReceiptKey(txnID string, issued time.Time) string {
	return sanitizeKey(fmt.Sprintf("receipts/%04d/%02d/%s.json", issued.Year(), int(issued.Month()), txnID))
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
