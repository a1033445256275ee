package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/events"
	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
)

func newTestMonitor(t *testing.T) *monitor {
	t.Helper()
	m := newMonitor("test", []string{"notify.job_status", "notify.dlq"}, logging.Nop())
	m.register(prometheus.NewRegistry())
	return m
}

func message(t *testing.T, v any) *nsq.Message {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case string:
		body = []byte(b)
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			t.Fatal(err)
		}
	}
	var id nsq.MessageID
	return nsq.NewMessage(id, body)
}

func TestUpdateMetrics(t *testing.T) {
	type label struct {
		topic   string
		channel string
	}

	testCases := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantTopic    map[string]float64
		wantDepth    map[label]float64
		wantInflight map[label]float64
	}{
		{
			name: "watched topics update metrics",
			payload: `{
				"topics": [
					{
						"topic_name": "notify.job_status",
						"channels": [
							{"channel_name": "nsq-monitor", "depth": 10, "in_flight_count": 4},
							{"channel_name": "billing", "depth": 3, "in_flight_count": 1}
						],
						"depth": 13
					},
					{
						"topic_name": "notify.dlq",
						"channels": [{"channel_name": "nsq-monitor", "depth": 2, "in_flight_count": 0}],
						"depth": 2
					}
				]
			}`,
			wantTopic: map[string]float64{"notify.job_status": 13, "notify.dlq": 2},
			wantDepth: map[label]float64{
				{topic: "notify.job_status", channel: "nsq-monitor"}: 10,
				{topic: "notify.job_status", channel: "billing"}:     3,
				{topic: "notify.dlq", channel: "nsq-monitor"}:        2,
			},
			wantInflight: map[label]float64{
				{topic: "notify.job_status", channel: "nsq-monitor"}: 4,
			},
		},
		{
			name: "other topics are ignored",
			payload: `{
				"topics": [
					{"topic_name": "deliveries", "channels": [{"channel_name": "workers", "depth": 5}], "depth": 5}
				]
			}`,
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "non-200 returns error",
			payload: `{}`,
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			err := m.updateMetrics(context.Background(), strings.TrimPrefix(server.URL, "http://"))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("updateMetrics returned error: %v", err)
			}

			for topic, want := range tc.wantTopic {
				if got := testutil.ToFloat64(m.topicDepth.WithLabelValues(topic)); got != want {
					t.Errorf("topicDepth[%s] = %v, want %v", topic, got, want)
				}
			}
			for lbl, want := range tc.wantDepth {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(lbl.topic, lbl.channel)); got != want {
					t.Errorf("channelDepth[%s/%s] = %v, want %v", lbl.topic, lbl.channel, got, want)
				}
			}
			for lbl, want := range tc.wantInflight {
				if got := testutil.ToFloat64(m.channelInflight.WithLabelValues(lbl.topic, lbl.channel)); got != want {
					t.Errorf("channelInflight[%s/%s] = %v, want %v", lbl.topic, lbl.channel, got, want)
				}
			}
			if len(tc.wantDepth) == 0 {
				if got := testutil.CollectAndCount(m.channelDepth); got != 0 {
					t.Errorf("channelDepth series = %d, want none", got)
				}
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	m := newTestMonitor(t)
	done := time.Now()
	j := job.Job{ID: "j1", Variant: job.VariantAlert, Kind: job.KindCritical, Status: job.StatusCompleted, TargetCount: 2, SentCount: 2, CompletedAt: &done}

	for i := 0; i < 2; i++ {
		if err := m.handleStatus(message(t, events.NewStatusEvent(context.Background(), j, done))); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.handleStatus(message(t, "not json")); err != nil {
		t.Fatal(err)
	}
	if err := m.handleStatus(message(t, map[string]string{"type": "something.else"})); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.statusEvents.WithLabelValues("alert", "COMPLETED")); got != 2 {
		t.Errorf("status events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.badMessages); got != 2 {
		t.Errorf("bad messages = %v, want 2", got)
	}
}

func TestHandleDeadLetter(t *testing.T) {
	m := newTestMonitor(t)
	task := delivery.Task{JobID: "j1", RecipientID: "u9", Attempt: 5}
	dl := delivery.NewDeadLetter(task, 5, 503, "unexpected status 503", "max_attempts")

	if err := m.handleDeadLetter(message(t, dl)); err != nil {
		t.Fatal(err)
	}
	if err := m.handleDeadLetter(message(t, "{}")); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.deadLetters.WithLabelValues("max_attempts")); got != 1 {
		t.Errorf("dead letters = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.badMessages); got != 1 {
		t.Errorf("bad messages = %v, want 1", got)
	}
}

func TestGetEnv(t *testing.T) {
	testCases := []struct {
		name       string
		key        string
		value      string
		set        bool
		defaultVal string
		want       string
	}{
		{"returns existing value", "NSQ_MONITOR_TEST_ENV_PRESENT", "custom", true, "default", "custom"},
		{"returns default when unset", "NSQ_MONITOR_TEST_ENV_UNSET", "", false, "default", "default"},
		{"returns default when empty string", "NSQ_MONITOR_TEST_ENV_EMPTY", "", true, "fallback", "fallback"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv(tc.key, tc.value)
			}
			if got := getEnv(tc.key, tc.defaultVal); got != tc.want {
				t.Fatalf("getEnv(%q) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	testCases := []struct {
		name       string
		key        string
		value      string
		set        bool
		defaultVal int
		want       int
	}{
		{"parses valid integer", "NSQ_MONITOR_TEST_INT_VALID", "42", true, 15, 42},
		{"returns default on invalid integer", "NSQ_MONITOR_TEST_INT_INVALID", "not-an-int", true, 15, 15},
		{"returns default when unset", "NSQ_MONITOR_TEST_INT_UNSET", "", false, 10, 10},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv(tc.key, tc.value)
			}
			if got := getEnvInt(tc.key, tc.defaultVal); got != tc.want {
				t.Fatalf("getEnvInt(%q) = %d, want %d", tc.key, got, tc.want)
			}
		})
	}
}
