package router

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/valyala/fasthttp"

	"github.com/seoshield/proxy/internal/cache"
	"github.com/seoshield/proxy/pkg/types"
)

type healthProcess struct {
	PID        int     `json:"pid"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

type healthPayload struct {
	Status    string             `json:"status"`
	Service   string             `json:"service"`
	Target    string             `json:"target"`
	Timestamp string             `json:"timestamp"`
	UptimeSec int64              `json:"uptime_sec"`
	Process   healthProcess      `json:"process"`
	Cache     cache.Stats        `json:"cache"`
	Queue     types.QueueMetrics `json:"queue"`
}

func (r *Router) handleHealth(ctx *fasthttp.RequestCtx) {
	payload := healthPayload{
		Status:    "ok",
		Service:   "seo-shield",
		Target:    r.origin.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(r.started).Seconds()),
		Process: healthProcess{
			PID:        os.Getpid(),
			Goroutines: runtime.NumGoroutine(),
		},
		Cache: r.store.Stats(),
		Queue: r.scheduler.Metrics(),
	}

	// Process stats are best effort; the health check stays green without
	// them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			payload.Process.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			payload.Process.CPUPercent = cpu
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}
