package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/logging"
)

// receiver is a webhook sink for local runs and demos. Each (job, recipient)
// pair fails its first N attempts with 503; permanent recipients always get 410.
type receiver struct {
	cfg       config.FakeReceiver
	sigHeader string
	tsHeader  string
	permanent map[string]bool
	log       *logging.Logger
	now       func() time.Time

	mu        sync.Mutex
	attempts  map[string]int // job/recipient -> requests seen
	delivered int
	failed    int
}

func newReceiver(cfg config.FakeReceiver, webhook config.Webhook, log *logging.Logger) *receiver {
	r := &receiver{
		cfg:       cfg,
		sigHeader: webhook.SignatureHeader,
		tsHeader:  webhook.TimestampHeader,
		permanent: map[string]bool{},
		log:       log,
		now:       time.Now,
		attempts:  map[string]int{},
	}
	if r.sigHeader == "" {
		r.sigHeader = delivery.DefaultSignatureHeader
	}
	if r.tsHeader == "" {
		r.tsHeader = delivery.DefaultTimestampHeader
	}
	for _, id := range cfg.PermanentRecipients {
		r.permanent[id] = true
	}
	return r
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /stats", rc.handleStats)
	mux.HandleFunc("POST /hook/{recipient}", rc.handleHook)
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

type hookBody struct {
	RecipientID string `json:"recipient_id"`
	JobID       string `json:"job_id"`
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if ok, msg := delivery.VerifySignature(rc.cfg.EndpointSecret, b, r.Header.Get(rc.tsHeader), r.Header.Get(rc.sigHeader), leeway, rc.now()); !ok {
			rc.log.Plain().WithField("reason", msg).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	var body hookBody
	_ = json.Unmarshal(b, &body)
	recipient := r.PathValue("recipient")
	if recipient == "" {
		recipient = r.Header.Get("X-Recipient-Id")
	}
	if recipient == "" {
		recipient = body.RecipientID
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	rc.mu.Lock()
	key := body.JobID + "/" + recipient
	rc.attempts[key]++
	n := rc.attempts[key]
	var code int
	switch {
	case rc.permanent[recipient]:
		code = http.StatusGone
		rc.failed++
	case n <= rc.cfg.FailFirstN:
		code = http.StatusServiceUnavailable
		rc.failed++
	default:
		code = http.StatusOK
		rc.delivered++
	}
	rc.mu.Unlock()

	entry := rc.log.Plain().WithJob(body.JobID).WithRecipient(recipient).WithFields(map[string]any{
		"attempt": n,
		"status":  code,
		"body":    truncate(string(b), 160),
	})
	if code != http.StatusOK {
		entry.Info("failing delivery")
		http.Error(w, http.StatusText(code), code)
		return
	}
	entry.Info("delivery accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := map[string]any{"delivered": rc.delivered, "failed": rc.failed, "pairs": len(rc.attempts)}
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func main() {
	_ = godotenv.Load()
	log := logging.New("fake-receiver")

	cfg, err := config.Load("")
	if err != nil {
		log.Plain().WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(cfg.App.LogLevel)

	rc := newReceiver(cfg.FakeReceiver, cfg.Webhook, log)
	log.Plain().WithFields(map[string]any{
		"addr":         cfg.FakeReceiver.Port,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"permanent":    len(cfg.FakeReceiver.PermanentRecipients),
	}).Info("fake-receiver listening")

	srv := &http.Server{Addr: cfg.FakeReceiver.Port, Handler: rc.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
