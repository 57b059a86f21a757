// Package archive uploads retained snapshots to S3 as parquet files.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"fundflow/config"
	"fundflow/internal/market"
	"fundflow/internal/metadata"
	"fundflow/internal/metrics"
	"fundflow/logger"
)

const component = "archive"

// finalFlushWait bounds how long shutdown waits for the producer to stop.
const finalFlushWait = 20 * time.Second

// Row is one instrument of one snapshot.
type Row struct {
	Exchange         string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Instrument       string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seq              int64   `parquet:"name=seq, type=INT64"`
	TakenAt          int64   `parquet:"name=taken_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Freshness        string  `parquet:"name=freshness, type=BYTE_ARRAY, convertedtype=UTF8"`
	StaleReason      string  `parquet:"name=stale_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side             string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size             float64 `parquet:"name=size, type=DOUBLE"`
	EntryPrice       float64 `parquet:"name=entry_price, type=DOUBLE"`
	MarkPrice        float64 `parquet:"name=mark_price, type=DOUBLE"`
	IndexPrice       float64 `parquet:"name=index_price, type=DOUBLE"`
	LiquidationPrice float64 `parquet:"name=liquidation_price, type=DOUBLE"`
	Notional         float64 `parquet:"name=notional, type=DOUBLE"`
	UnrealizedPnL    float64 `parquet:"name=unrealized_pnl, type=DOUBLE"`
	Leverage         float64 `parquet:"name=leverage, type=DOUBLE"`
	FundingRate      float64 `parquet:"name=funding_rate, type=DOUBLE"`
	NextFundingTime  int64   `parquet:"name=next_funding_time, type=INT64"`
	Premium          float64 `parquet:"name=premium, type=DOUBLE"`
	OpenInterest     float64 `parquet:"name=open_interest, type=DOUBLE"`
	ObservedAt       int64   `parquet:"name=observed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// Rows flattens snap. Entries without data keep zero values and their
// stale reason.
func Rows(snap *market.Snapshot) []Row {
	rows := make([]Row, 0, snap.Len())
	for _, e := range snap.Entries() {
		r := Row{
			Exchange:    snap.Exchange(),
			Instrument:  e.Instrument.String(),
			Seq:         int64(snap.Seq()),
			TakenAt:     snap.TakenAt().UnixMilli(),
			Freshness:   string(e.Freshness),
			StaleReason: e.StaleReason,
			Side:        string(e.Position.Side),
		}
		if e.HasData() {
			p, f := e.Position, e.Funding
			r.Size = p.Size.InexactFloat64()
			r.EntryPrice = p.EntryPrice.InexactFloat64()
			r.MarkPrice = f.MarkPrice.InexactFloat64()
			r.IndexPrice = f.IndexPrice.InexactFloat64()
			r.LiquidationPrice = p.LiquidationPrice.InexactFloat64()
			r.Notional = p.Notional.InexactFloat64()
			r.UnrealizedPnL = p.UnrealizedPnL.InexactFloat64()
			r.Leverage = p.Leverage.InexactFloat64()
			r.FundingRate = f.Rate.InexactFloat64()
			r.Premium = f.Premium().InexactFloat64()
			r.OpenInterest = f.OpenInterest.InexactFloat64()
			r.ObservedAt = e.LastSuccess.UnixMilli()
			if !f.NextFundingTime.IsZero() {
				r.NextFundingTime = f.NextFundingTime.UnixMilli()
			}
		}
		rows = append(rows, r)
	}
	return rows
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Encode writes rows as a parquet file.
func Encode(rows []Row, compression string) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(Row), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write snapshot row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize snapshot parquet: %w", err)
	}
	return mem.Bytes(), nil
}

// Putter is the part of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source hands out snapshots newer than a sequence number.
type Source interface {
	Since(seq uint64) []*market.Snapshot
}

// NewS3Client builds a client from the storage settings. Static keys are
// used when both are set, otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Archiver periodically uploads every snapshot it has not archived yet, one
// parquet file per flush.
type Archiver struct {
	cfg     config.S3Config
	version string
	source  Source
	client  Putter
	log     *logger.Log
	meta    *metadata.Generator

	mu      sync.Mutex
	lastSeq uint64
}

func New(cfg config.S3Config, version string, src Source, client Putter, log *logger.Log) (*Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if src == nil || client == nil {
		return nil, fmt.Errorf("archive needs a snapshot source and an s3 client")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	location := fmt.Sprintf("s3://%s/%s", cfg.Bucket, strings.Trim(cfg.Prefix, "/"))
	return &Archiver{
		cfg:     cfg,
		version: version,
		source:  src,
		client:  client,
		log:     log,
		meta:    metadata.NewGenerator(strings.TrimSuffix(location, "/"), "fundflow_snapshots", 0),
	}, nil
}

// LastSeq is the newest archived snapshot sequence number.
func (a *Archiver) LastSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// Key builds the object key for a file whose newest snapshot is snap.
func (a *Archiver) Key(snap *market.Snapshot) string {
	at := snap.TakenAt().UTC()
	filename := fmt.Sprintf("%s_%d_%s.parquet", at.Format("20060102150405"), snap.Seq(), uuid.NewString())
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		fmt.Sprintf("exchange=%s", strings.ToLower(snap.Exchange())),
		fmt.Sprintf("date=%s", at.Format("2006-01-02")),
		fmt.Sprintf("hour=%s", at.Format("15")),
		filename,
	)
}

// Flush uploads the snapshots retained since the previous flush. Snapshots
// evicted from the history before a flush are lost. It returns the number
// of snapshots written.
func (a *Archiver) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snaps := a.source.Since(a.lastSeq)
	if len(snaps) == 0 {
		return 0, nil
	}
	newest := snaps[len(snaps)-1]

	var rows []Row
	for _, s := range snaps {
		rows = append(rows, Rows(s)...)
	}
	log := a.log.WithComponent(component).WithFields(logger.Fields{
		"from_seq":  snaps[0].Seq(),
		"to_seq":    newest.Seq(),
		"snapshots": len(snaps),
		"rows":      len(rows),
	})

	start := time.Now()
	data, err := Encode(rows, a.cfg.Compression)
	if err != nil {
		log.WithError(err).Error("failed to create snapshot parquet")
		return 0, err
	}

	key := a.Key(newest)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.cfg.Compression,
			"fundflow-version": a.version,
		},
	}
	upCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := a.client.PutObject(upCtx, input); err != nil {
		log.WithError(err).WithField("key", key).Error("failed to upload snapshot parquet")
		return 0, fmt.Errorf("upload snapshot parquet: %w", err)
	}

	a.lastSeq = newest.Seq()
	a.publishMetadata(ctx, newest, key, len(data), len(rows))
	metrics.EmitMetric(a.log, component, "archived_rows", len(rows), metrics.TypeCounter, nil)
	metrics.EmitMetric(a.log, component, "archive_bytes", len(data), metrics.TypeCounter, nil)
	logger.LogPerformanceEntry(log, component, "flush", time.Since(start), logger.Fields{"bytes": len(data)})
	logger.LogDataFlowEntry(log, "snapshot_history", fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key), len(rows), "snapshot_rows")
	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("snapshot batch uploaded")
	return len(snaps), nil
}

// MetadataKey is where the table metadata document is written.
func (a *Archiver) MetadataKey() string {
	return path.Join(strings.Trim(a.cfg.Prefix, "/"), "metadata", "metadata.json")
}

// publishMetadata records the uploaded file in the table metadata. A
// failure here leaves the data file in place and is only logged.
func (a *Archiver) publishMetadata(ctx context.Context, newest *market.Snapshot, key string, size, rows int) {
	at := newest.TakenAt().UTC()
	doc, err := a.meta.AddFile(metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key),
		FileSize:    int64(size),
		RecordCount: int64(rows),
		Partition: map[string]any{
			"exchange": strings.ToLower(newest.Exchange()),
			"date":     at.Format("2006-01-02"),
			"hour":     at.Format("15"),
		},
		Timestamp: at,
	})
	if err == nil {
		metaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err = a.client.PutObject(metaCtx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(a.MetadataKey()),
			Body:        bytes.NewReader(doc),
			ContentType: aws.String("application/json"),
		})
	}
	if err != nil {
		a.log.WithComponent(component).WithError(err).Warn("failed to update table metadata")
	}
}

// Run flushes once per interval and a final time when ctx is canceled.
func (a *Archiver) Run(ctx context.Context) {
	a.RunAfter(ctx, nil)
}

// RunAfter is Run whose final flush waits until upstream is closed, so the
// snapshots published by a producer that is still draining are included.
// A nil upstream does not wait.
func (a *Archiver) RunAfter(ctx context.Context, upstream <-chan struct{}) {
	log := a.log.WithComponent(component)
	log.WithFields(logger.Fields{
		"bucket":         a.cfg.Bucket,
		"prefix":         a.cfg.Prefix,
		"flush_interval": a.cfg.FlushInterval.String(),
	}).Info("starting snapshot archiver")

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if upstream != nil {
				select {
				case <-upstream:
				case <-time.After(finalFlushWait):
					log.Warn("snapshot producer still running; flushing what was published")
				}
			}
			if _, err := a.Flush(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("final flush failed")
			}
			log.Info("snapshot archiver stopped")
			return
		case <-ticker.C:
			_, _ = a.Flush(ctx)
		}
	}
}
