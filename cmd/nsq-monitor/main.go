package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/events"
	"github.com/austindbirch/harbor_notify/internal/logging"
)

const consumerChannel = "nsq-monitor"

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor follows the status and dead-letter topics: it polls nsqd for queue
// depth and consumes the events themselves to count transitions.
type monitor struct {
	topics map[string]bool
	log    *logging.Logger
	client *http.Client

	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	statusEvents    *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	badMessages     prometheus.Counter
}

func newMonitor(prefix string, topics []string, log *logging.Logger) *monitor {
	m := &monitor{
		topics: map[string]bool{},
		log:    log,
		client: &http.Client{Timeout: 5 * time.Second},
		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_nsq_topic_depth",
			Help: "Messages waiting in each watched NSQ topic",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_job_status_events_total",
			Help: "Job status events observed, by variant and status",
		}, []string{"variant", "status"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_dlq_events_total",
			Help: "Dead-letter envelopes observed, by reason",
		}, []string{"reason"}),
		badMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_monitor_bad_messages_total",
			Help: "Messages on watched topics that could not be decoded",
		}),
	}
	for _, t := range topics {
		if t != "" {
			m.topics[t] = true
		}
	}
	return m
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.topicDepth, m.channelDepth, m.channelInflight, m.statusEvents, m.deadLetters, m.badMessages)
}

func (m *monitor) updateMetrics(ctx context.Context, nsqdHTTP string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) poll(ctx context.Context, nsqdHTTP string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateMetrics(ctx, nsqdHTTP); err != nil {
				m.log.Plain().WithError(err).Warn("nsq stats poll failed")
			}
		}
	}
}

// handleStatus consumes job.status events. Undecodable messages are finished,
// never requeued.
func (m *monitor) handleStatus(msg *nsq.Message) error {
	var ev events.StatusEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil || ev.Type != events.StatusType {
		m.badMessages.Inc()
		return nil
	}
	m.statusEvents.WithLabelValues(string(ev.Variant), string(ev.Status)).Inc()
	m.log.Plain().WithJob(ev.JobID).WithFields(map[string]any{
		"status": ev.Status,
		"sent":   ev.SentCount,
		"failed": ev.FailedCount,
		"target": ev.TargetCount,
	}).Debug("job status event")
	return nil
}

func (m *monitor) handleDeadLetter(msg *nsq.Message) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(msg.Body, &dl); err != nil || dl.Type != delivery.DLQType {
		m.badMessages.Inc()
		return nil
	}
	m.deadLetters.WithLabelValues(dl.Reason).Inc()
	m.log.Plain().WithJob(dl.Task.JobID).WithRecipient(dl.Task.RecipientID).WithFields(map[string]any{
		"reason":   dl.Reason,
		"attempts": dl.Attempt,
	}).Info("dead letter observed")
	return nil
}

func consume(topic, addr string, h nsq.HandlerFunc) (*nsq.Consumer, error) {
	c, err := nsq.NewConsumer(topic, consumerChannel, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	c.SetLoggerLevel(nsq.LogLevelWarning)
	c.AddHandler(h)
	if err := c.ConnectToNSQD(addr); err != nil {
		return nil, err
	}
	return c, nil
}

func main() {
	_ = godotenv.Load()
	log := logging.New("nsq-monitor")

	cfg, err := config.Load("")
	if err != nil {
		log.Plain().WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(cfg.App.LogLevel)

	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1))
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	mon := newMonitor(cfg.App.MetricsPrefix, []string{cfg.NSQ.StatusTopic, cfg.NSQ.DLQTopic}, log)
	reg := prometheus.NewRegistry()
	mon.register(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.poll(ctx, nsqdHTTP, time.Duration(interval)*time.Second)

	var consumers []*nsq.Consumer
	for topic, h := range map[string]nsq.HandlerFunc{
		cfg.NSQ.StatusTopic: mon.handleStatus,
		cfg.NSQ.DLQTopic:    mon.handleDeadLetter,
	} {
		c, err := consume(topic, cfg.NSQ.NsqdTCPAddr, h)
		if err != nil {
			log.Plain().WithError(err).WithField("topic", topic).Fatal("nsq consumer failed")
		}
		consumers = append(consumers, c)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Plain().WithFields(map[string]any{"port": port, "nsqd": nsqdHTTP}).Info("nsq monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Plain().WithError(err).Fatal("monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	cancel()
	for _, c := range consumers {
		c.Stop()
		<-c.StopChan
	}
	_ = srv.Shutdown(context.Background())
	log.Plain().Info("nsq monitor stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
