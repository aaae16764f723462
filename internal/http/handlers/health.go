// Package handlers provides HTTP API handlers for replayd.
package handlers

import (
	"context"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	catalog   Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithCatalog sets the clip catalog checked by the health endpoint.
func (h *HealthHandler) WithCatalog(catalog Pinger) *HealthHandler {
	h.catalog = catalog
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the daemon including memory usage of the process tree",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the daemon.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	memInfo := h.getMemoryInfo(ctx)
	checks := map[string]string{
		"catalog": h.catalogStatus(ctx),
	}

	status := "healthy"
	if checks["catalog"] == "error" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Memory:        memInfo,
			Process:       h.getProcessInfo(ctx),
			Checks:        checks,
		},
	}, nil
}

// getMemoryInfo returns system memory information.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMB = bytesToMB(vmStat.Total)
		info.UsedMB = bytesToMB(vmStat.Used)
		info.AvailableMB = bytesToMB(vmStat.Available)
		info.UsedPercent = vmStat.UsedPercent
	}

	return info
}

// getProcessInfo returns memory and CPU usage of the daemon and its children.
func (h *HealthHandler) getProcessInfo(ctx context.Context) ProcessInfo {
	pid := os.Getpid()
	info := ProcessInfo{PID: pid}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.RSSMB = bytesToMB(memInfo.RSS)
		info.TotalProcessTreeMB = info.RSSMB
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}

	// ffmpeg encoders and grabbers run as children.
	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfoWithContext(ctx)
			if err == nil && childMem != nil {
				childMB := bytesToMB(childMem.RSS)
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	return info
}

// catalogStatus pings the catalog.
func (h *HealthHandler) catalogStatus(ctx context.Context) string {
	if h.catalog == nil {
		return "not_configured"
	}
	if err := h.catalog.Ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}
