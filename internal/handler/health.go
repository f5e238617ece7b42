// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/auth"
	"github.com/qvtbox/qvtbox-go/internal/middleware"
	"github.com/qvtbox/qvtbox-go/internal/role"
	"github.com/qvtbox/qvtbox-go/internal/version"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler handles health check requests.
type HealthHandler struct {
	db         *sql.DB
	roles      middleware.RoleChecker
	storageDir string
	build      version.Info
	startTime  time.Time
	extra      map[string]func(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. roles may be nil, in
// which case nobody sees the detailed report.
func NewHealthHandler(db *sql.DB, roles middleware.RoleChecker, storageDir string, build version.Info) *HealthHandler {
	return &HealthHandler{
		db:         db,
		roles:      roles,
		storageDir: storageDir,
		build:      build,
		startTime:  time.Now(),
		extra:      make(map[string]func(ctx context.Context) error),
	}
}

// AddCheck registers a dependency probe reported under name, such as
// the Redis connection.
func (h *HealthHandler) AddCheck(name string, probe func(ctx context.Context) error) {
	h.extra[name] = probe
}

// StartTime returns when the handler (and application) was started.
func (h *HealthHandler) StartTime() time.Time {
	return h.startTime
}

// HealthStatusPublic is the minimal health response for anonymous callers.
type HealthStatusPublic struct {
	Status string `json:"status"`
}

// HealthStatus is the health report for signed-in callers.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a single health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo contains system-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutines"`
	NumCPU       int    `json:"num_cpus"`
	MemAlloc     string `json:"mem_alloc"`
	MemSys       string `json:"mem_sys"`
}

// Health handles GET /health. Anonymous callers get the status only,
// signed-in users the uptime and version, admins every check.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := h.runChecks(r.Context())

	overallStatus := "healthy"
	for _, c := range checks {
		if c.Status != "healthy" {
			overallStatus = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	user, signedIn := auth.UserFrom(r.Context())
	if !signedIn {
		_ = json.NewEncoder(w).Encode(HealthStatusPublic{Status: overallStatus})
		return
	}

	status := HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.build.Version,
	}
	if h.isAdmin(r.Context(), user.ID) {
		status.Checks = checks
		if r.URL.Query().Get("verbose") == "true" {
			status.System = h.getSystemInfo()
		}
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Liveness handles GET /health/live - simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// Readiness handles GET /health/ready - checks if the service is ready to accept traffic.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	dbCheck := h.checkDatabase(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if dbCheck.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
		})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	resp := map[string]string{
		"status": "not_ready",
	}
	// Only include error details for signed-in callers
	if _, ok := auth.UserFrom(r.Context()); ok {
		resp["message"] = dbCheck.Message
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HealthHandler) isAdmin(ctx context.Context, userID string) bool {
	if h.roles == nil {
		return false
	}
	ok, err := h.roles.HasAtLeast(ctx, userID, role.Admin)
	return err == nil && ok
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]Check {
	checks := map[string]Check{
		"database": h.checkDatabase(ctx),
		"disk":     h.checkDiskSpace(),
	}
	names := make([]string, 0, len(h.extra))
	for name := range h.extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		checks[name] = probe(ctx, h.extra[name])
	}
	return checks
}

func probe(ctx context.Context, fn func(ctx context.Context) error) Check {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)
	if err != nil {
		return Check{Status: "unhealthy", Message: err.Error(), Latency: latency.String()}
	}
	return Check{Status: "healthy", Latency: latency.String()}
}

// checkDatabase verifies database connectivity.
func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	c := probe(ctx, h.db.PingContext)
	if c.Status == "healthy" {
		c.Message = "Connected"
	}
	return c
}

// checkDiskSpace checks available disk space in the storage directory.
func (h *HealthHandler) checkDiskSpace() Check {
	if _, err := os.Stat(h.storageDir); os.IsNotExist(err) {
		// created on first upload
		return Check{
			Status:  "healthy",
			Message: "Storage directory does not exist yet",
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.storageDir, &stat); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "Failed to check disk space: " + err.Error(),
		}
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	available := formatBytes(availableBytes)

	const minSpace = 100 * 1024 * 1024
	if availableBytes < minSpace {
		return Check{
			Status:  "degraded",
			Message: "Low disk space: " + available + " available",
		}
	}

	return Check{
		Status:  "healthy",
		Message: available + " available",
	}
}

// getSystemInfo returns system-level metrics.
func (h *HealthHandler) getSystemInfo() *SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemInfo{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		MemAlloc:     formatBytes(m.Alloc),
		MemSys:       formatBytes(m.Sys),
	}
}

// formatBytes converts bytes to a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
