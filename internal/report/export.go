package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"production-planner/internal/config"
	"production-planner/internal/models"
)

// Uploader stores one object and returns where it ended up.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Artifacts are the locations of an exported report.
type Artifacts struct {
	Report string `json:"report"`
	Chart  string `json:"chart"`
}

// Exporter writes schedule reports through an Uploader.
type Exporter struct {
	uploader Uploader
	width    int
	now      func() time.Time
}

// NewExporter picks S3 when REPORT_S3_BUCKET is set, local disk when
// REPORT_OUTPUT_DIR is set, and returns nil when exporting is disabled.
func NewExporter(ctx context.Context, cfg config.Config) (*Exporter, error) {
	switch {
	case cfg.ReportS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewExporterWith(&S3Uploader{client: client, bucket: cfg.ReportS3Bucket}, cfg.ReportChartWidth), nil
	case cfg.ReportOutputDir != "":
		return NewExporterWith(&LocalUploader{BaseDir: cfg.ReportOutputDir}, cfg.ReportChartWidth), nil
	}
	return nil, nil
}

// NewExporterWith builds an exporter around an explicit uploader.
func NewExporterWith(u Uploader, width int) *Exporter {
	return &Exporter{uploader: u, width: width, now: time.Now}
}

// Export uploads schedules/<id>/report.json and schedules/<id>/gantt.png.
func (e *Exporter) Export(ctx context.Context, rec models.ScheduleRecord) (Artifacts, error) {
	doc, err := json.MarshalIndent(Build(rec, e.now()), "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("marshal report: %w", err)
	}
	chart, err := EncodePNG(rec, e.width)
	if err != nil {
		return Artifacts{}, err
	}

	prefix := path.Join("schedules", rec.ID)
	var out Artifacts
	if out.Report, err = e.uploader.Upload(ctx, path.Join(prefix, "report.json"), doc, "application/json"); err != nil {
		return Artifacts{}, fmt.Errorf("upload report: %w", err)
	}
	if out.Chart, err = e.uploader.Upload(ctx, path.Join(prefix, "gantt.png"), chart, "image/png"); err != nil {
		return Artifacts{}, fmt.Errorf("upload chart: %w", err)
	}
	log.Debug().Str("schedule_id", rec.ID).Str("report", out.Report).Str("chart", out.Chart).Msg("schedule report exported")
	return out, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

// LocalUploader writes objects below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.BaseDir, filepath.FromSlash(path.Clean("/" + key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Uploader puts objects into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
