package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook counting emitted log messages by level
// and prefix.
type LogrusCollector struct {
	counter *prometheus.CounterVec
}

const (
	prefixKey     = "prefix"
	defaultPrefix = "global"
)

var validLevels = []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}

// NewLogrusCollector registers the log counter metric and returns a hook
// to attach with logrus.AddHook.
func NewLogrusCollector() *LogrusCollector {
	counterVec := promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "log_entries_total",
		Help: "Total number of log messages.",
	}, []string{"level", prefixKey})
	return &LogrusCollector{counter: counterVec}
}

// Fire is called on every log call with the entry being logged.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if prefixValue, ok := entry.Data[prefixKey]; ok {
		prefix = prefixValue.(string)
	}
	hook.counter.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels returns the log levels the hook fires on.
func (hook *LogrusCollector) Levels() []logrus.Level {
	return validLevels
}
