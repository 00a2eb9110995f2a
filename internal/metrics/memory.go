package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/moltrade/relayer/internal/log"
)

const memorySampleInterval = 5 * time.Second

// StartMemorySampler feeds the MemoryUsage gauge from the process RSS until
// the context is cancelled.
func StartMemorySampler(ctx context.Context, l log.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		l.Warnw("", "metrics", "memory sampler disabled", "err", err)
		return
	}

	go func() {
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := proc.MemoryInfo()
				if err != nil {
					l.Debugw("", "metrics", "memory sample failed", "err", err)
					continue
				}
				MemoryUsage.Set(float64(info.RSS) / 1024.0)
			}
		}
	}()
}
