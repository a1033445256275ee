package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct {
	err atomic.Value
}

func newPinger(err error) *fakePinger {
	p := &fakePinger{}
	p.set(err)
	return p
}

func (p *fakePinger) set(err error) { p.err.Store(errBox{err}) }

func (p *fakePinger) Ping(context.Context) error { return p.err.Load().(errBox).err }

type errBox struct{ err error }

func TestHTTPHandler(t *testing.T) {
	down := errors.New("down")
	tests := []struct {
		name       string
		db         Pinger
		directory  Pinger
		wantCode   int
		wantOK     bool
		wantMsg    string
		wantDB     bool
		wantDirSet bool
	}{
		{"no dependencies", nil, nil, http.StatusOK, true, "ok", true, false},
		{"healthy database", newPinger(nil), nil, http.StatusOK, true, "ok", true, false},
		{"database down", newPinger(context.DeadlineExceeded), nil, http.StatusServiceUnavailable, false, "db ping failed", false, false},
		{"directory down", newPinger(nil), newPinger(down), http.StatusServiceUnavailable, false, "directory ping failed", true, true},
		{"both up", newPinger(nil), newPinger(nil), http.StatusOK, true, "ok", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			w := httptest.NewRecorder()
			HTTPHandler(tt.db, tt.directory)(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var st Status
			if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if st.OK != tt.wantOK || st.Message != tt.wantMsg || st.Database != tt.wantDB {
				t.Errorf("status = %+v", st)
			}
			if (st.Directory != nil) != tt.wantDirSet {
				t.Errorf("Directory set = %v, want %v", st.Directory != nil, tt.wantDirSet)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	db := newPinger(nil)
	hs := grpchealth.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, hs, 5*time.Millisecond, db, nil)
		close(done)
	}()

	waitFor := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err == nil && resp.GetStatus() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("health never reached %v", want)
	}

	waitFor(healthpb.HealthCheckResponse_SERVING)
	db.set(errors.New("gone"))
	waitFor(healthpb.HealthCheckResponse_NOT_SERVING)
	db.set(nil)
	waitFor(healthpb.HealthCheckResponse_SERVING)

	cancel()
	<-done
}
