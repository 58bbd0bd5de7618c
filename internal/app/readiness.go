package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// StoreHealth reports vector store reachability.
type StoreHealth interface {
	Health(ctx context.Context) bool
}

// ServiceHealth reports ML service readiness.
type ServiceHealth interface {
	HealthCheck() bool
}

// BrokerHealth exposes connection pool statistics.
type BrokerHealth interface {
	GetStats() map[string]interface{}
}

// Readiness aggregates component health for the health endpoint.
// Components left nil are reported as skipped rather than failing.
type Readiness struct {
	Store   StoreHealth
	Service ServiceHealth
	Broker  BrokerHealth
	Timeout time.Duration
}

// Handler serves a JSON component map, 200 when every wired component
// is healthy and 503 otherwise.
func (r Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()

		components := map[string]string{}
		healthy := true

		if r.Store != nil {
			if r.Store.Health(ctx) {
				components["vector_store"] = "up"
			} else {
				components["vector_store"] = "down"
				healthy = false
			}
		} else {
			components["vector_store"] = "skipped"
		}

		if r.Service != nil {
			if r.Service.HealthCheck() {
				components["ml_service"] = "up"
			} else {
				components["ml_service"] = "down"
				healthy = false
			}
		} else {
			components["ml_service"] = "skipped"
		}

		if r.Broker != nil {
			stats := r.Broker.GetStats()
			if closed, _ := stats["closed"].(bool); closed {
				components["broker"] = "down"
				healthy = false
			} else {
				components["broker"] = "up"
			}
		} else {
			components["broker"] = "skipped"
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy":    healthy,
			"components": components,
		})
	}
}
