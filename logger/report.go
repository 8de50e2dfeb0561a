package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	units    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	flows      sync.Map // map[string]*flowStat
	components sync.Map // map[string]*componentStat
)

func componentFor(name string) *componentStat {
	v, _ := components.LoadOrStore(name, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentFor(component).errors, 1)
}

// RecordFlow counts one message of size units (bytes or bars) on a named
// flow such as "push_frames" or "fetcher->cache".
func RecordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.units, int64(size))
}

// FlowStats is a point-in-time copy of one flow counter.
type FlowStats struct {
	Messages int64 `json:"messages"`
	Units    int64 `json:"units"`
}

// ComponentStats counts warnings and errors logged with a component field.
type ComponentStats struct {
	Warns  int64 `json:"warns"`
	Errors int64 `json:"errors"`
}

// ReportSnapshot is what the periodic report logs and publishes.
type ReportSnapshot struct {
	Flows      map[string]FlowStats      `json:"flows"`
	Components map[string]ComponentStats `json:"components"`
	Goroutines int                       `json:"goroutines"`
}

// Snapshot copies the current counters.
func Snapshot() ReportSnapshot {
	snap := ReportSnapshot{
		Flows:      map[string]FlowStats{},
		Components: map[string]ComponentStats{},
		Goroutines: runtime.NumGoroutine(),
	}
	flows.Range(func(k, v any) bool {
		fs := v.(*flowStat)
		snap.Flows[k.(string)] = FlowStats{
			Messages: atomic.LoadInt64(&fs.messages),
			Units:    atomic.LoadInt64(&fs.units),
		}
		return true
	})
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		snap.Components[k.(string)] = ComponentStats{
			Warns:  atomic.LoadInt64(&cs.warns),
			Errors: atomic.LoadInt64(&cs.errors),
		}
		return true
	})
	return snap
}

// StartReport logs system and flow statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	snap := Snapshot()

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     snap.Goroutines,
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"flows":          snap.Flows,
		"components":     snap.Components,
	}).Info("runtime report")

	publishMetrics(ctx, reportData(snap, cpuPct, memMB, bytesSent, bytesRecv))
}

func reportData(snap ReportSnapshot, cpuPct, memMB float64, sent, recv uint64) []cwtypes.MetricDatum {
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(snap.Goroutines))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(sent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(recv))},
	}

	names := make([]string, 0, len(snap.Flows))
	for name := range snap.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fs := snap.Flows[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FlowMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(fs.Messages))},
			cwtypes.MetricDatum{MetricName: aws.String("FlowUnits"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(fs.Units))},
		)
	}
	for name, cs := range snap.Components {
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(cs.Warns))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(cs.Errors))},
		)
	}
	return data
}
