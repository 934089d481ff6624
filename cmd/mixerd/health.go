// health.go - Health monitoring for the mixer daemon
package main

import (
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall daemon health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// HealthChecker manages health checks for the daemon
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checkers   map[string]func() error
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checkers:   make(map[string]func() error),
		startTime:  time.Now(),
		version:    version,
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, checker func() error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "Component registered",
		LastCheck: time.Now(),
	}
	hc.checkers[name] = checker
}

// CheckHealth performs health checks for all registered components
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overallStatus := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))

	for name, component := range hc.components {
		if checker, exists := hc.checkers[name]; exists {
			start := time.Now()
			err := checker()
			component.Latency = time.Since(start)
			component.LastCheck = time.Now()

			if err != nil {
				component.Status = Unhealthy
				component.Message = err.Error()
			} else {
				component.Status = Healthy
				component.Message = "OK"
			}
		}

		if component.Status == Unhealthy {
			overallStatus = Unhealthy
		} else if component.Status == Degraded && overallStatus == Healthy {
			overallStatus = Degraded
		}
		components = append(components, *component)
	}

	return &SystemHealth{
		OverallStatus: overallStatus,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// HealthCheckResponse represents the response format for the health endpoint
type HealthCheckResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// CreateHealthResponse creates a standardized health check response
func CreateHealthResponse(health *SystemHealth) *HealthCheckResponse {
	status := "success"
	message := "System is healthy"

	if health.OverallStatus == Unhealthy {
		status = "error"
		message = "System is unhealthy"
	} else if health.OverallStatus == Degraded {
		status = "warning"
		message = "System is degraded"
	}

	return &HealthCheckResponse{
		Status:  status,
		Message: message,
		Data:    health,
	}
}
