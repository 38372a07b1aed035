// Package health exposes the liveness and readiness probes. Liveness
// only proves the process answers; readiness flips once dependencies
// are up and flips back during shutdown so the load balancer drains
// traffic first.
package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type Manager struct {
	ready atomic.Bool
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Liveness always reports ok while the process serves requests.
func Liveness() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Readiness reports 503 until SetReady(true), and again after
// SetReady(false).
func (m *Manager) Readiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
	}
}
