package attachment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"}, nil)
	if !errors.Is(err, ErrBucketRequired) {
		t.Fatalf("err = %v, want ErrBucketRequired", err)
	}
}

func TestS3Store_URLIsPresignedPathStyle(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "contracts",
		Region:          "eu-west-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
		URLExpiry:       time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}

	url, err := store.URL(context.Background(), "negotiations/n-1/revisions/r-1/terms.pdf")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.HasPrefix(url, "http://localhost:9000/contracts/negotiations/n-1/revisions/r-1/terms.pdf?") {
		t.Fatalf("url = %s", url)
	}
	for _, part := range []string{"X-Amz-Signature=", "X-Amz-Expires=3600"} {
		if !strings.Contains(url, part) {
			t.Fatalf("url %s missing %s", url, part)
		}
	}
}

func TestMemory_PutCopiesBody(t *testing.T) {
	m := NewMemory("https://files.local/")
	body := []byte("clause 1")

	url, err := m.Put(context.Background(), "a/b.txt", "text/plain", body)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://files.local/a/b.txt" {
		t.Fatalf("url = %s", url)
	}
	body[0] = 'X'
	obj, ok := m.Get("a/b.txt")
	if !ok || string(obj.Body) != "clause 1" || obj.ContentType != "text/plain" {
		t.Fatalf("obj = %+v ok = %v", obj, ok)
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory("https://files.local")
	ctx := context.Background()
	if _, err := m.Put(ctx, "a/b.txt", "text/plain", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := m.Get("a/b.txt"); ok {
		t.Fatalf("object still present after Delete")
	}
	if err := m.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete of a missing key: %v", err)
	}
}
