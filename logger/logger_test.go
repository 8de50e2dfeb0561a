package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

type stringKey string

func (k stringKey) String() string { return string(k) }

func TestWithSeries(t *testing.T) {
	entry := Logger().WithComponent("loader").WithSeries(stringKey("AAPL:5m"))
	if v := entry.Entry.Data["series"]; v != "AAPL:5m" {
		t.Fatalf("series field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level rejected: %v", err)
	}
}

func TestJSONOutputFieldNames(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("cache").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["message"] != "hello" || line["component"] != "cache" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestWarnAndErrorAreCountedPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("counted_component").Warn("w")
	log.WithComponent("counted_component").Error("e")
	log.WithComponent("counted_component").Error("e")

	stats := Snapshot().Components["counted_component"]
	if stats.Warns != 1 || stats.Errors != 2 {
		t.Fatalf("unexpected component stats: %+v", stats)
	}
}

func TestRecordFlow(t *testing.T) {
	RecordFlow("test_flow", 10)
	RecordFlow("test_flow", 5)
	fs := Snapshot().Flows["test_flow"]
	if fs.Messages != 2 || fs.Units != 15 {
		t.Fatalf("unexpected flow stats: %+v", fs)
	}
}

type fakePublisher struct {
	mu         sync.Mutex
	batches    []int
	dashboards int
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, len(in.MetricData))
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dashboards++
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestPublishThroughConfiguredClient(t *testing.T) {
	fake := &fakePublisher{}
	setPublisher(fake, "Test", "TestBoard")
	t.Cleanup(func() { setPublisher(nil, "", "") })

	RecordFlow("push_frames", 128)
	publishMetrics(context.Background(), reportData(Snapshot(), 1, 2, 3, 4))
	CreateDefaultDashboard(context.Background())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.batches) != 1 || fake.batches[0] < 5 {
		t.Fatalf("unexpected batches: %v", fake.batches)
	}
	if fake.dashboards != 1 {
		t.Fatalf("dashboard not created")
	}
}
