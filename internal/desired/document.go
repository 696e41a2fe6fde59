// document.go — чтение документа желаемого состояния:
// локальный файл или объект S3 (s3://bucket/key).
package desired

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxDocumentSize — ограничение размера документа.
const maxDocumentSize = 32 << 20

// DocumentReader читает содержимое документа.
type DocumentReader interface {
	ReadDocument(ctx context.Context) ([]byte, error)
	// Location — путь или URI документа для логов и ошибок
	Location() string
}

// LocalDocument — документ в локальной файловой системе.
type LocalDocument struct {
	Path string
}

// ReadDocument читает файл целиком.
func (d LocalDocument) ReadDocument(_ context.Context) ([]byte, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: чтение %s: %w", ErrSourceUnavailable, d.Path, err)
	}
	return data, nil
}

// Location возвращает путь к файлу.
func (d LocalDocument) Location() string {
	return d.Path
}

// S3GetObjectAPI — подмножество клиента S3, используемое S3Document.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Document — документ, хранящийся в S3-совместимом хранилище.
type S3Document struct {
	client S3GetObjectAPI
	bucket string
	key    string
}

// NewS3Document создаёт S3Document.
func NewS3Document(client S3GetObjectAPI, bucket, key string) *S3Document {
	return &S3Document{client: client, bucket: bucket, key: key}
}

// S3Options — параметры подключения к S3.
// Пустые значения — настройки SDK по умолчанию (переменные окружения, профиль).
type S3Options struct {
	Profile  string
	Region   string
	Endpoint string // S3-совместимое хранилище (MinIO и т.п.), path-style адресация
}

// OpenS3Document создаёт S3Document по URI s3://bucket/key.
func OpenS3Document(ctx context.Context, uri string, opts S3Options) (*S3Document, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Document(client, bucket, key), nil
}

// ReadDocument загружает объект.
func (d *S3Document) ReadDocument(ctx context.Context) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: загрузка %s: %w", ErrSourceUnavailable, d.Location(), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: чтение %s: %w", ErrSourceUnavailable, d.Location(), err)
	}
	return data, nil
}

// Location возвращает URI объекта.
func (d *S3Document) Location() string {
	return "s3://" + d.bucket + "/" + d.key
}

// ParseS3URI разбирает s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("ожидался URI вида s3://bucket/key: %s", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("ожидался URI вида s3://bucket/key: %s", uri)
	}
	return bucket, key, nil
}

// IsS3URI сообщает, указывает ли путь на объект S3.
func IsS3URI(path string) bool {
	return strings.HasPrefix(path, "s3://")
}
