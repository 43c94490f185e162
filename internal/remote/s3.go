package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

const (
	patientPrefix = "patients/"
	logPrefix     = "sync-logs/"
)

// s3API is the subset of *s3.Client the object store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// storedPatient is the object body: the flat record plus cloud timestamps.
type storedPatient struct {
	Patient        *models.PatientRecord `json:"patient"`
	CreatedAtCloud int64                 `json:"created_at_cloud"`
	UpdatedAtCloud int64                 `json:"updated_at_cloud"`
}

// ObjectStore keeps one JSON object per patient in an S3-compatible bucket.
type ObjectStore struct {
	client s3API
	bucket string
	now    func() time.Time
}

// NewObjectStore wraps an existing client.
func NewObjectStore(client s3API, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, now: time.Now}
}

// NewS3Directory builds a client for the configured provider.
func NewS3Directory(ctx context.Context, settings S3Settings) (*ObjectStore, error) {
	target, err := resolveS3Target(settings)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid s3 settings", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(target.Region)}
	if settings.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKey, settings.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnavailable, "unable to load AWS SDK config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if target.Endpoint != "" {
			o.BaseEndpoint = aws.String(target.Endpoint)
		}
		o.UsePathStyle = target.PathStyle
	})
	return NewObjectStore(client, settings.Bucket), nil
}

func patientKey(id string) string {
	return patientPrefix + id + ".json"
}

func idFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, patientPrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, patientPrefix), ".json"), true
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func unavailable(msg string, err error) error {
	return apperrors.Wrap(apperrors.ErrRemoteUnavailable, msg, err)
}

func (o *ObjectStore) get(ctx context.Context, id string) (*storedPatient, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(patientKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, unavailable("get patient object", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, unavailable("read patient object", err)
	}
	var sp storedPatient
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode patient object "+id, err)
	}
	return &sp, nil
}

func (o *ObjectStore) put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode object", err)
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return unavailable("put object "+key, err)
	}
	return nil
}

// FindByUniqueID returns the stored record or nil.
func (o *ObjectStore) FindByUniqueID(ctx context.Context, id string) (*models.PatientRecord, error) {
	sp, err := o.get(ctx, id)
	if err != nil || sp == nil {
		return nil, err
	}
	return sp.Patient, nil
}

// Upsert overwrites the object, keeping the original cloud creation time.
func (o *ObjectStore) Upsert(ctx context.Context, rec *models.PatientRecord) (*models.PatientRecord, error) {
	if rec == nil || rec.UniqueID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "unique_id is required")
	}
	existing, err := o.get(ctx, rec.UniqueID)
	if err != nil {
		return nil, err
	}

	now := o.now().UnixMilli()
	sp := storedPatient{Patient: stripLocal(rec), CreatedAtCloud: now, UpdatedAtCloud: now}
	if existing != nil && existing.CreatedAtCloud != 0 {
		sp.CreatedAtCloud = existing.CreatedAtCloud
	}
	if err := o.put(ctx, patientKey(rec.UniqueID), sp); err != nil {
		return nil, err
	}
	return sp.Patient, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (o *ObjectStore) Delete(ctx context.Context, id string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(patientKey(id)),
	})
	if err != nil && !isNotFound(err) {
		return unavailable("delete patient object", err)
	}
	return nil
}

// AppendSyncLog writes one object per entry under sync-logs/<device>/.
func (o *ObjectStore) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	key := fmt.Sprintf("%s%s/%013d-%s.json", logPrefix, entry.DeviceID, entry.Timestamp, entry.ID)
	return o.put(ctx, key, entry)
}

// List reads patient objects, newest update first.
func (o *ObjectStore) List(ctx context.Context, f Filter) ([]*models.PatientRecord, error) {
	ids := f.UniqueIDs
	if len(ids) == 0 {
		var err error
		ids, err = o.listIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	var recs []*models.PatientRecord
	for _, id := range ids {
		sp, err := o.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sp == nil || sp.Patient == nil || !f.matches(sp.Patient) {
			continue
		}
		recs = append(recs, sp.Patient)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].UpdatedAt > recs[j].UpdatedAt
	})
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs, nil
}

func (o *ObjectStore) listIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var token *string
	for {
		out, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(o.bucket),
			Prefix:            aws.String(patientPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, unavailable("list patient objects", err)
		}
		for _, obj := range out.Contents {
			if id, ok := idFromKey(aws.ToString(obj.Key)); ok {
				ids = append(ids, id)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return ids, nil
		}
		token = out.NextContinuationToken
	}
}

// Ping checks bucket access.
func (o *ObjectStore) Ping(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	if err != nil {
		return unavailable("head bucket", err)
	}
	return nil
}

var _ Directory = (*ObjectStore)(nil)
