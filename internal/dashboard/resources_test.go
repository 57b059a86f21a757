package dashboard

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"fundflow/logger"
)

func stubHost(t *testing.T, cpuErr error) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		if cpuErr != nil {
			return nil, cpuErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	return calls
}

func quietLog() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

func TestHostSamplerCollectsSamples(t *testing.T) {
	calls := stubHost(t, nil)
	sampler := newHostSampler(3, 10*time.Millisecond, "/", quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("host sampler did not collect samples in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sampler.stop()

	samples := sampler.snapshot()
	if len(samples) != 3 {
		t.Fatalf("expected the limit of 3 samples, got %d", len(samples))
	}
	latest := samples[len(samples)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected sample data: %#v", latest)
	}
	if calls.Load() < 3 {
		t.Fatal("expected cpu sampler to be invoked for every sample")
	}
}

func TestHostSamplerBacksOffOnError(t *testing.T) {
	calls := stubHost(t, errors.New("no cpu stats"))
	sampler := newHostSampler(3, 50*time.Millisecond, "/", quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	sampler.start(ctx)
	time.Sleep(120 * time.Millisecond)
	cancel()
	sampler.stop()

	if n := calls.Load(); n == 0 || n > 4 {
		t.Fatalf("expected a few paced attempts, got %d", n)
	}
	if len(sampler.snapshot()) != 0 {
		t.Fatal("failed samples must not be stored")
	}
}

func TestNilSamplerIsSafe(t *testing.T) {
	var s *hostSampler
	s.start(context.Background())
	s.stop()
	if s.snapshot() != nil {
		t.Fatal("nil sampler has no samples")
	}
}
