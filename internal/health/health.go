package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Database  bool   `json:"database"`
	Directory *bool  `json:"directory,omitempty"`
}

// Check pings the store and, when set, the audience directory.
func Check(ctx context.Context, db, directory Pinger) Status {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	st := Status{OK: true, Message: "ok", Database: true}
	if db != nil {
		if err := db.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
			st.Database = false
		}
	}
	if directory != nil {
		up := directory.Ping(ctx) == nil
		st.Directory = &up
		if !up && st.OK {
			st.OK = false
			st.Message = "directory ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db, directory Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), db, directory)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health service in step with Check until ctx ends.
func Watch(ctx context.Context, hs *grpchealth.Server, interval time.Duration, db, directory Pinger) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, db, directory).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}
	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
