package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockS3Client implements S3API for unit testing. Objects are keyed by
// "bucket/key".
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string]mockObject
	// missingBuckets makes HeadBucket fail for the named buckets.
	missingBuckets map[string]bool
	// pageSize caps ListObjectsV2 results per page.
	pageSize int
	// listErr is returned by ListObjectsV2 when set.
	listErr error

	putObjectCalls    int
	deleteObjectCalls int
	listCalls         int
}

type mockObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:        make(map[string]mockObject),
		missingBuckets: make(map[string]bool),
		pageSize:       1000,
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putObjectCalls++
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = mockObject{
		data:        data,
		contentType: aws.ToString(params.ContentType),
		metadata:    params.Metadata,
	}
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data)))}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(fmt.Sprintf(`"%x"`, md5.Sum(obj.data))),
		Metadata:      obj.metadata,
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteObjectCalls++
	delete(m.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.missingBuckets[aws.ToString(params.Bucket)] {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}

	bucketPrefix := aws.ToString(params.Bucket) + "/"
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		key := k[len(bucketPrefix):]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if params.Delimiter != nil && strings.Contains(key[len(prefix):], aws.ToString(params.Delimiter)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		start = sort.SearchStrings(keys, token)
	}
	end := min(start+m.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		obj := m.objects[bucketPrefix+key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(fmt.Sprintf(`"%x"`, md5.Sum(obj.data))),
			LastModified: aws.Time(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

// mockAPIError implements smithy.APIError for testing.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string    { return e.code }
func (e *mockAPIError) ErrorMessage() string { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultClient
}

// newOfflinePresigner returns a real SigV4 presign client. Presigning is a
// local computation, so no network is touched.
func newOfflinePresigner(t *testing.T) *s3.PresignClient {
	t.Helper()
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		BaseEndpoint: aws.String("http://localhost:9000"),
		UsePathStyle: true,
	})
	return s3.NewPresignClient(client)
}

func newTestS3Backend(t *testing.T) (*S3Backend, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	return NewS3BackendWithClient(mock, newOfflinePresigner(t), []string{"photos-standard", "photos-video"}), mock
}

func TestS3PutGetStat(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()

	content := []byte("jpeg bytes")
	res, err := backend.Put(ctx, "photos-standard", "2025/01/02/a.jpg", content, PutOptions{
		ContentType: "image/jpeg",
		Metadata:    map[string]string{"photo-id": "a"},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if strings.Contains(res.ETag, `"`) {
		t.Errorf("ETag should be unquoted, got %q", res.ETag)
	}
	if mock.putObjectCalls != 1 {
		t.Errorf("putObjectCalls = %d, want 1", mock.putObjectCalls)
	}

	data, err := backend.Get(ctx, "photos-standard", "2025/01/02/a.jpg")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("Get = %q, want %q", data, content)
	}

	info, err := backend.Stat(ctx, "photos-standard", "2025/01/02/a.jpg")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size, len(content))
	}
	if info.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q", info.ContentType)
	}
	if info.ETag != res.ETag {
		t.Errorf("Stat ETag = %q, Put ETag = %q", info.ETag, res.ETag)
	}
	if info.Metadata["photo-id"] != "a" {
		t.Errorf("Metadata = %v", info.Metadata)
	}
}

func TestS3NotFound(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	if _, err := backend.Get(ctx, "photos-standard", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Get missing: err = %v, want ErrObjectNotFound", err)
	}
	if _, err := backend.Stat(ctx, "photos-standard", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Stat missing: err = %v, want ErrObjectNotFound", err)
	}
}

func TestS3RemoveIdempotent(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()

	if _, err := backend.Put(ctx, "photos-standard", "k", []byte("x"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := backend.Remove(ctx, "photos-standard", "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := backend.Remove(ctx, "photos-standard", "k"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if mock.deleteObjectCalls != 2 {
		t.Errorf("deleteObjectCalls = %d, want 2", mock.deleteObjectCalls)
	}
	if _, err := backend.Stat(ctx, "photos-standard", "k"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("object still present after Remove: %v", err)
	}
}

func TestS3PresignCarriesExpiry(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	before := time.Now().UTC().Truncate(time.Second)
	u, err := backend.Presign(ctx, MethodGet, "photos-standard", "2025/01/02/a.jpg", 15*time.Minute)
	if err != nil {
		t.Fatalf("Presign failed: %v", err)
	}
	if !strings.Contains(u.Raw, "X-Amz-Signature=") {
		t.Errorf("URL is not signed: %s", u.Raw)
	}
	if !strings.Contains(u.Raw, "X-Amz-Expires=900") {
		t.Errorf("URL does not carry 900s expiry: %s", u.Raw)
	}
	if !strings.Contains(u.Raw, "/photos-standard/2025/01/02/a.jpg") {
		t.Errorf("URL is not path-style: %s", u.Raw)
	}
	lower := before.Add(15 * time.Minute)
	upper := time.Now().UTC().Add(15*time.Minute + time.Second)
	if u.ExpiresAt.Before(lower) || u.ExpiresAt.After(upper) {
		t.Errorf("ExpiresAt = %v, want within [%v, %v]", u.ExpiresAt, lower, upper)
	}
}

func TestS3PresignMethods(t *testing.T) {
	backend, _ := newTestS3Backend(t)
	ctx := context.Background()

	for _, method := range []string{MethodGet, MethodPut, MethodHead, MethodDelete, "get"} {
		if _, err := backend.Presign(ctx, method, "photos-standard", "k", time.Minute); err != nil {
			t.Errorf("Presign(%s) failed: %v", method, err)
		}
	}
	if _, err := backend.Presign(ctx, "PATCH", "photos-standard", "k", time.Minute); err == nil {
		t.Error("Presign(PATCH) succeeded, want error")
	}
	if _, err := backend.Presign(ctx, MethodGet, "photos-standard", "k", 0); err == nil {
		t.Error("Presign with zero lifetime succeeded, want error")
	}
}

func TestS3ListPaginates(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	mock.pageSize = 2
	ctx := context.Background()

	keys := []string{"2025/01/01/a.jpg", "2025/01/01/b.jpg", "2025/01/02/c.jpg", "2025/01/03/d.jpg", "top.jpg"}
	for _, k := range keys {
		if _, err := backend.Put(ctx, "photos-standard", k, []byte(k), PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := backend.Put(ctx, "photos-video", "2025/01/01/v.mp4", []byte("v"), PutOptions{}); err != nil {
		t.Fatal(err)
	}

	var got []string
	for info, err := range backend.List(ctx, "photos-standard", "", true) {
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		if info.Bucket != "photos-standard" {
			t.Errorf("Bucket = %q", info.Bucket)
		}
		got = append(got, info.Key)
	}
	if strings.Join(got, ",") != strings.Join(keys, ",") {
		t.Errorf("List = %v, want %v", got, keys)
	}
	if mock.listCalls != 3 {
		t.Errorf("listCalls = %d, want 3 pages", mock.listCalls)
	}

	got = got[:0]
	for info, err := range backend.List(ctx, "photos-standard", "", false) {
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		got = append(got, info.Key)
	}
	if len(got) != 1 || got[0] != "top.jpg" {
		t.Errorf("non-recursive List = %v, want [top.jpg]", got)
	}
}

func TestS3ListStopsEarly(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	mock.pageSize = 1
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if _, err := backend.Put(ctx, "photos-standard", k, nil, PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	for range backend.List(ctx, "photos-standard", "", true) {
		break
	}
	if mock.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 after early break", mock.listCalls)
	}
}

func TestS3ListError(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	mock.listErr = &mockAPIError{code: "AccessDenied", message: "denied", httpStatus: 403}

	var errs int
	for _, err := range backend.List(context.Background(), "photos-standard", "", true) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("yielded %d errors, want 1", errs)
	}
}

func TestS3HealthCheck(t *testing.T) {
	backend, mock := newTestS3Backend(t)
	ctx := context.Background()

	if err := backend.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	mock.missingBuckets["photos-video"] = true
	err := backend.HealthCheck(ctx)
	if err == nil {
		t.Fatal("HealthCheck succeeded with a missing bucket")
	}
	if !strings.Contains(err.Error(), "photos-video") {
		t.Errorf("error %q does not name the bucket", err)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey code", &mockAPIError{code: "NoSuchKey", httpStatus: 404}, true},
		{"NotFound code", &mockAPIError{code: "NotFound", httpStatus: 404}, true},
		{"typed NoSuchKey", &types.NoSuchKey{}, true},
		{"wrapped", fmt.Errorf("op: %w", &mockAPIError{code: "NoSuchKey"}), true},
		{"access denied", &mockAPIError{code: "AccessDenied", httpStatus: 403}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAWSNotFound(tt.err); got != tt.want {
				t.Errorf("isAWSNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
