package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/drfirst/radportal/internal/domain/report"
)

// fakeS3 serves the handful of path-style S3 calls the image store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		if _, exists := f.objects[path]; exists && r.Header.Get("If-None-Match") == "*" {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[path] = body
		f.types[path] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[path]
		if !ok {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", f.types[path])
		_, _ = w.Write(body)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func newTestStore(t *testing.T, maxBytes int64) (*ImageStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("test", "test", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		RetryMaxAttempts:           1,
	})
	store, err := NewImageStore(client, Config{Bucket: "xrays", Prefix: "/images/", MaxImageBytes: maxBytes})
	if err != nil {
		t.Fatalf("NewImageStore: %v", err)
	}
	return store, fake
}

func TestImageStoreRoundTrip(t *testing.T) {
	store, fake := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.PutImage(ctx, "r-1", "image/png", []byte("PNGDATA")); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if _, ok := fake.objects["xrays/images/r-1"]; !ok {
		t.Fatalf("object stored under unexpected path: %v", fake.objects)
	}
	if fake.types["xrays/images/r-1"] != "image/png" {
		t.Errorf("content type = %q", fake.types["xrays/images/r-1"])
	}

	got, err := store.GetImage(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if string(got) != "PNGDATA" {
		t.Errorf("GetImage = %q", got)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestImageStoreIsWriteOnce(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.PutImage(ctx, "r-1", "image/png", []byte("first")); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if err := store.PutImage(ctx, "r-1", "image/png", []byte("second")); err != nil {
		t.Fatalf("second PutImage: %v", err)
	}
	got, _ := store.GetImage(ctx, "r-1")
	if string(got) != "first" {
		t.Errorf("image overwritten: %q", got)
	}
}

func TestImageStoreMissingKey(t *testing.T) {
	store, _ := newTestStore(t, 0)
	if _, err := store.GetImage(context.Background(), "nope"); !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.PutImage(context.Background(), "", "image/png", []byte("x")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestImageStoreRejectsOversizedObjects(t *testing.T) {
	store, _ := newTestStore(t, 4)
	ctx := context.Background()
	if err := store.PutImage(ctx, "big", "image/png", []byte("0123456789")); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	if _, err := store.GetImage(ctx, "big"); err == nil {
		t.Fatal("expected size error")
	}
}

func TestNewImageStoreRequiresBucket(t *testing.T) {
	if _, err := NewImageStore(nil, Config{}); err == nil {
		t.Fatal("expected error")
	}
}
