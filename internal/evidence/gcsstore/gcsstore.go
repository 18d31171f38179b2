// Package gcsstore provides a Google Cloud Storage implementation of
// evidence.Store. Uniqueness is enforced by a generation precondition on the
// object write, so concurrent writers never need a shared lock.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/warden/internal/evidence"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/evidence/gcsstore")

const (
	metaFindingID   = "finding_id"
	metaContentHash = "content_hash"
	metaCapturedAt  = "captured_at"
)

// Store persists evidence objects in a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// Config holds the connection settings.
type Config struct {
	Bucket          string
	CredentialsFile string
	Endpoint        string
	TTL             time.Duration
}

// New creates a storage client and returns a Store for the bucket.
func New(ctx context.Context, c Config) (*Store, error) {
	if c.Bucket == "" {
		return nil, errors.New("gcsstore: bucket is required")
	}

	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Store{client: client, bucket: c.Bucket, ttl: c.TTL, now: time.Now}, nil
}

// Close releases the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

// PutIfAbsent writes the evidence object only if it does not exist yet. A
// precondition failure means another writer won; its record is returned.
// When a dedup TTL is set, an expired object is replaced under a generation
// match so only one writer can win the replacement.
func (s *Store) PutIfAbsent(ctx context.Context, rec evidence.Record, blob []byte) (evidence.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "gcsstore.PutIfAbsent", trace.WithAttributes(
		attribute.String("gcs.bucket", s.bucket),
		attribute.String("finding_id", rec.FindingID),
	))
	defer span.End()

	obj := s.client.Bucket(s.bucket).Object(evidence.Key(rec.FindingID))
	rec.StorageLocation = s.location(rec.FindingID)

	err := s.write(ctx, obj.If(storage.Conditions{DoesNotExist: true}), rec, blob)
	if err == nil {
		return rec, true, nil
	}
	if !isPreconditionFailed(err) {
		return s.fail(span, err)
	}

	existing, gen, ok, err := s.read(ctx, obj)
	if err != nil {
		return s.fail(span, err)
	}
	if !ok {
		// deleted between our write and read; report unavailable so the caller retries
		return s.fail(span, errors.New("object vanished after precondition failure"))
	}
	if !s.expired(existing) {
		span.SetAttributes(attribute.Bool("evidence.existing", true))
		return existing, false, nil
	}

	err = s.write(ctx, obj.If(storage.Conditions{GenerationMatch: gen}), rec, blob)
	if err == nil {
		return rec, true, nil
	}
	if isPreconditionFailed(err) {
		// another writer replaced it first
		existing, _, ok, rerr := s.read(ctx, obj)
		if rerr == nil && ok {
			return existing, false, nil
		}
		if rerr != nil {
			err = rerr
		}
	}
	return s.fail(span, err)
}

// Get reads the object attributes for a finding's evidence.
func (s *Store) Get(ctx context.Context, findingID string) (evidence.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "gcsstore.Get", trace.WithAttributes(
		attribute.String("gcs.bucket", s.bucket),
		attribute.String("finding_id", findingID),
	))
	defer span.End()

	rec, _, ok, err := s.read(ctx, s.client.Bucket(s.bucket).Object(evidence.Key(findingID)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return evidence.Record{}, false, fmt.Errorf("%w: %w", evidence.ErrUnavailable, err)
	}
	if !ok || s.expired(rec) {
		return evidence.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, rec evidence.Record, blob []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = map[string]string{
		metaFindingID:   rec.FindingID,
		metaContentHash: rec.ContentHash,
		metaCapturedAt:  rec.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := w.Write(blob); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *Store) read(ctx context.Context, obj *storage.ObjectHandle) (evidence.Record, int64, bool, error) {
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return evidence.Record{}, 0, false, nil
	}
	if err != nil {
		return evidence.Record{}, 0, false, err
	}
	return recordFromAttrs(s.bucket, attrs), attrs.Generation, true, nil
}

func (s *Store) fail(span trace.Span, err error) (evidence.Record, bool, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return evidence.Record{}, false, fmt.Errorf("%w: %w", evidence.ErrUnavailable, err)
}

func (s *Store) expired(rec evidence.Record) bool {
	return s.ttl > 0 && s.now().Sub(rec.CapturedAt) >= s.ttl
}

func (s *Store) location(findingID string) string {
	return "gs://" + s.bucket + "/" + evidence.Key(findingID)
}

func recordFromAttrs(bucket string, attrs *storage.ObjectAttrs) evidence.Record {
	rec := evidence.Record{
		FindingID:       attrs.Metadata[metaFindingID],
		ContentHash:     attrs.Metadata[metaContentHash],
		StorageLocation: "gs://" + bucket + "/" + attrs.Name,
		CapturedAt:      attrs.Created.UTC(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, attrs.Metadata[metaCapturedAt]); err == nil {
		rec.CapturedAt = ts.UTC()
	}
	return rec
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusPreconditionFailed
	}
	return false
}
