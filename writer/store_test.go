package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "chartfeed/config"
	"chartfeed/models"
)

var testKey = models.SeriesKey{Symbol: "BRK/B", Interval: models.Interval15m}

func sampleEntry(n int) *models.CacheEntry {
	entry := &models.CacheEntry{
		Key:           testKey,
		LastWrittenAt: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	for i := 0; i < n; i++ {
		entry.Bars = append(entry.Bars, models.Bar{
			Time:  models.Timestamp(1700000000 + int64(i)*900),
			Open:  float64(100 + i),
			High:  float64(101 + i),
			Low:   float64(99 + i),
			Close: float64(100+i) + 0.5,
		})
	}
	return entry
}

func assertSameEntry(t *testing.T, got, want *models.CacheEntry) {
	t.Helper()
	if got.Key != want.Key {
		t.Fatalf("key mismatch: %v vs %v", got.Key, want.Key)
	}
	if !got.LastWrittenAt.Equal(want.LastWrittenAt) {
		t.Fatalf("written at mismatch: %v vs %v", got.LastWrittenAt, want.LastWrittenAt)
	}
	if len(got.Bars) != len(want.Bars) {
		t.Fatalf("expected %d bars, got %d", len(want.Bars), len(got.Bars))
	}
	for i := range want.Bars {
		if got.Bars[i] != want.Bars[i] {
			t.Fatalf("bar %d mismatch: %+v vs %+v", i, got.Bars[i], want.Bars[i])
		}
	}
}

func TestParquetCodecRoundTrip(t *testing.T) {
	for _, compression := range []string{"snappy", "gzip", ""} {
		entry := sampleEntry(25)
		data, err := encodeEntry(entry, compression)
		if err != nil {
			t.Fatalf("%q encode: %v", compression, err)
		}
		got, err := decodeEntry(testKey, data)
		if err != nil {
			t.Fatalf("%q decode: %v", compression, err)
		}
		assertSameEntry(t, got, entry)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "snappy")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry := sampleEntry(10)
	if err := store.Put(ctx, testKey, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertSameEntry(t, got, entry)

	files, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(files) != 1 || strings.Contains(filepath.Base(files[0]), "/") {
		t.Fatalf("unexpected files in store dir: %v", files)
	}

	// an unrelated file survives Clear
	keep := filepath.Join(dir, "README")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestFileStoreIgnoresEmptyPut(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, testKey, &models.CacheEntry{Key: testKey}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty put must not create an entry, got %v", err)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	data, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	fake.objects["other/keep.txt"] = []byte("x")
	store := newS3StoreWithClient(fake, "bucket", "chartfeed/cache", "snappy")
	ctx := context.Background()

	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry := sampleEntry(5)
	if err := store.Put(ctx, testKey, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := fake.objects["chartfeed/cache/15m/BRK%2FB.parquet"]; !ok {
		t.Fatalf("unexpected object layout: %v", fake.objects)
	}
	got, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertSameEntry(t, got, entry)

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(fake.objects) != 1 {
		t.Fatalf("clear must only remove the prefix: %v", fake.objects)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, appconfig.RedisConfig{Addr: addr, Prefix: "chartfeed:test:"})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	entry := sampleEntry(3)
	if err := store.Put(ctx, testKey, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertSameEntry(t, got, entry)

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewStore(ctx, appconfig.StorageConfig{Backend: "none"})
	if err != nil {
		t.Fatalf("NewStore none: %v", err)
	}
	if store.Backend() != "none" {
		t.Fatalf("unexpected backend %s", store.Backend())
	}
	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("noop store must miss, got %v", err)
	}

	dir := t.TempDir()
	store, err = NewStore(ctx, appconfig.StorageConfig{Backend: "parquet", Parquet: appconfig.ParquetConfig{Dir: dir}})
	if err != nil {
		t.Fatalf("NewStore parquet: %v", err)
	}
	if err := store.Put(ctx, testKey, sampleEntry(2)); err != nil {
		t.Fatalf("Put through instrumented store: %v", err)
	}

	if _, err := NewStore(ctx, appconfig.StorageConfig{Backend: "tape"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
