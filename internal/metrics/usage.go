package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is used when Watch is given a non-positive interval.
const DefaultSampleInterval = 500 * time.Millisecond

// Usage is the peak resource usage observed for one child process.
type Usage struct {
	PID            int32   `json:"pid"`
	PeakRSS        uint64  `json:"peak_rss"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	MaxThreads     int32   `json:"max_threads"`
	Samples        int     `json:"samples"`
}

// PeakRSSMB is PeakRSS in megabytes.
func (u Usage) PeakRSSMB() float64 { return float64(u.PeakRSS) / 1024 / 1024 }

// Watch samples pid every interval until the returned stop function is
// called. stop returns the peaks seen so far; it is safe to call more than
// once. Sampling errors (usually: the process already exited) end sampling
// quietly.
func Watch(pid int, interval time.Duration) (stop func() Usage) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	var (
		mu   sync.Mutex
		u    = Usage{PID: int32(pid)}
		done = make(chan struct{})
		wg   sync.WaitGroup
		once sync.Once
	)
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("Resource sampling unavailable", "pid", pid, "error", err)
		return func() Usage { return u }
	}
	sample := func() bool {
		mem, err := proc.MemoryInfo()
		if err != nil {
			return false
		}
		cpu, err := proc.CPUPercent()
		if err != nil {
			cpu = 0
		}
		threads, err := proc.NumThreads()
		if err != nil {
			threads = 0
		}
		mu.Lock()
		u.Samples++
		u.PeakRSS = max(u.PeakRSS, mem.RSS)
		u.PeakCPUPercent = max(u.PeakCPUPercent, cpu)
		u.MaxThreads = max(u.MaxThreads, threads)
		mu.Unlock()
		return true
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if !sample() {
			return
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if !sample() {
					return
				}
			}
		}
	}()

	return func() Usage {
		once.Do(func() { close(done) })
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		return u
	}
}
