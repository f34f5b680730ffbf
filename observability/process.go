// Package observability reports process health and records crashes. Crash
// records are small JSON files so they survive a process that cannot reach
// its own database.
package observability

import (
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines int    `json:"goroutines"`
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	HeapInuse  uint64 `json:"heapInuse"`
	GCCount    uint32 `json:"gcCount"`
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines: runtime.NumGoroutine(),
		Alloc:      mem.Alloc,
		Sys:        mem.Sys,
		HeapInuse:  mem.HeapInuse,
		GCCount:    mem.NumGC,
	}
}

// Process identifies the running server.
type Process struct {
	PID       int
	Hostname  string
	StartedAt time.Time
}

// NewProcess captures the identity of the current process.
func NewProcess() *Process {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Process{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now()}
}

// ProcessInfo is the server block of the status responses.
type ProcessInfo struct {
	PID      int            `json:"pid"`
	Hostname string         `json:"hostname"`
	Uptime   float64        `json:"uptime"` // seconds
	Memory   RuntimeMetrics `json:"memory"`
}

// Info returns uptime and memory figures as of now.
func (p *Process) Info() ProcessInfo {
	return ProcessInfo{
		PID:      p.PID,
		Hostname: p.Hostname,
		Uptime:   time.Since(p.StartedAt).Seconds(),
		Memory:   CollectRuntimeMetrics(),
	}
}
