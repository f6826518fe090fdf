package ecs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type compositeObserver struct {
	observers []SchedulerObserver
}

func (c compositeObserver) WorkGroupCompleted(summary WorkGroupSummary) {
	for _, observer := range c.observers {
		observer.WorkGroupCompleted(summary)
	}
}

type loggingObserver struct {
	logger Logger
	format ObservationLogFormat
}

func newLoggingObserver(logger Logger, format ObservationLogFormat) SchedulerObserver {
	if logger == nil {
		return noopObserver{}
	}
	if format != ObservationLogFormatKeyValue {
		format = ObservationLogFormatJSON
	}
	return loggingObserver{logger: logger, format: format}
}

func (o loggingObserver) WorkGroupCompleted(summary WorkGroupSummary) {
	switch o.format {
	case ObservationLogFormatKeyValue:
		o.logKeyValue(summary)
	default:
		o.logJSON(summary)
	}
}

func (o loggingObserver) logJSON(summary WorkGroupSummary) {
	payload := map[string]any{
		"work_group_id":      summary.WorkGroupID,
		"tick":               summary.Tick,
		"duration_ms":        float64(summary.Duration) / float64(time.Millisecond),
		"systems_executed":   summary.SystemsExecuted,
		"entities_processed": summary.EntitiesProcessed,
		"entity_faults":      summary.EntityFaults,
		"component_writes":   summary.ComponentWrites,
		"resource_writes":    summary.ResourceWrites,
	}
	if summary.Error != nil {
		payload["error"] = summary.Error.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.With("work_group", summary.WorkGroupID).Error("workgroup summary marshal error", "err", err)
		return
	}
	o.logger.Info(string(data))
}

func (o loggingObserver) logKeyValue(summary WorkGroupSummary) {
	args := []any{
		"tick", summary.Tick,
		"duration", summary.Duration,
		"systems_executed", summary.SystemsExecuted,
		"entities_processed", summary.EntitiesProcessed,
		"entity_faults", summary.EntityFaults,
		"component_writes", joinComponentTypes(summary.ComponentWrites),
		"resource_writes", strings.Join(summary.ResourceWrites, ","),
	}
	if summary.Error != nil {
		args = append(args, "error", summary.Error.Error())
	}
	o.logger.With("work_group", summary.WorkGroupID).Info("workgroup summary", args...)
}

type prometheusObserver struct {
	collector PrometheusCollector
}

func (o prometheusObserver) WorkGroupCompleted(summary WorkGroupSummary) {
	o.collector.ObserveWorkGroup(summary)
}

func joinComponentTypes(types []ComponentType) string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	slices.Sort(out)
	return strings.Join(out, ",")
}

func buildObserverChain(logger Logger, cfg InstrumentationConfig) SchedulerObserver {
	var observers []SchedulerObserver

	if cfg.Observer != nil {
		observers = append(observers, cfg.Observer)
	}

	obs := cfg.Observation

	if obs.EnableStructuredLogging {
		structuredLogger := obs.StructuredLogger
		if structuredLogger == nil {
			structuredLogger = logger
		}
		observers = append(observers, newLoggingObserver(structuredLogger, obs.LoggingFormat))
	}

	if obs.EnablePrometheus {
		collector := obs.PrometheusCollector
		if collector == nil {
			collector = NewPrometheusWorkGroupCollector(obs.PrometheusOptions)
		}
		observers = append(observers, prometheusObserver{collector: collector})
	}

	switch len(observers) {
	case 0:
		return noopObserver{}
	case 1:
		return observers[0]
	default:
		return compositeObserver{observers: observers}
	}
}

// PrometheusWorkGroupCollector aggregates summaries and renders them in the
// Prometheus text exposition format.
type PrometheusWorkGroupCollector struct {
	options *PrometheusCollectorOptions
	mu      sync.Mutex
	samples map[string]*prometheusSample
}

type prometheusSample struct {
	durationSum   float64
	durationCount float64
	buckets       []float64
	processed     float64
	faults        float64
	errors        float64
}

func NewPrometheusWorkGroupCollector(opts *PrometheusCollectorOptions) PrometheusCollector {
	if opts == nil {
		opts = &PrometheusCollectorOptions{}
	}
	if opts.Namespace == "" {
		opts.Namespace = "renderecs"
	}
	return &PrometheusWorkGroupCollector{
		options: opts,
		samples: make(map[string]*prometheusSample),
	}
}

func (c *PrometheusWorkGroupCollector) ObserveWorkGroup(summary WorkGroupSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(summary.WorkGroupID)
	sample, ok := c.samples[key]
	if !ok {
		sample = &prometheusSample{buckets: make([]float64, len(c.options.DurationBuckets))}
		c.samples[key] = sample
	}
	durSeconds := summary.Duration.Seconds()
	sample.durationSum += durSeconds
	sample.durationCount++
	for i, le := range c.options.DurationBuckets {
		if durSeconds <= le.Seconds() {
			sample.buckets[i]++
		}
	}
	sample.processed += float64(summary.EntitiesProcessed)
	sample.faults += float64(summary.EntityFaults)
	if summary.Error != nil {
		sample.errors++
	}

	if writer := c.options.Writer; writer != nil {
		_ = c.writeMetricsLocked(writer)
	}
}

func (c *PrometheusWorkGroupCollector) WriteMetrics(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeMetricsLocked(w)
}

func (c *PrometheusWorkGroupCollector) writeMetricsLocked(w io.Writer) error {
	if w == nil {
		return nil
	}
	ns := c.options.Namespace
	keys := maps.Keys(c.samples)
	slices.Sort(keys)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP %s_work_group_duration_seconds Work group execution duration.\n", ns)
	fmt.Fprintf(&buf, "# TYPE %s_work_group_duration_seconds summary\n", ns)
	for _, key := range keys {
		sample := c.samples[key]
		labels := fmt.Sprintf("work_group_id=%q", key)
		fmt.Fprintf(&buf, "%s_work_group_duration_seconds_sum{%s} %f\n", ns, labels, sample.durationSum)
		fmt.Fprintf(&buf, "%s_work_group_duration_seconds_count{%s} %f\n", ns, labels, sample.durationCount)
		for i, bucket := range sample.buckets {
			le := c.options.DurationBuckets[i].Seconds()
			fmt.Fprintf(&buf, "%s_work_group_duration_seconds_bucket{%s,le=\"%.6f\"} %f\n", ns, labels, le, bucket)
		}
	}

	counters := []struct {
		name, help string
		value      func(*prometheusSample) float64
	}{
		{"entities_processed_total", "Entities processed per work group.", func(s *prometheusSample) float64 { return s.processed }},
		{"entity_faults_total", "Entity-level faults absorbed per work group.", func(s *prometheusSample) float64 { return s.faults }},
		{"errors_total", "Work group error count.", func(s *prometheusSample) float64 { return s.errors }},
	}
	for _, counter := range counters {
		fmt.Fprintf(&buf, "# HELP %s_work_group_%s %s\n", ns, counter.name, counter.help)
		fmt.Fprintf(&buf, "# TYPE %s_work_group_%s counter\n", ns, counter.name)
		for _, key := range keys {
			fmt.Fprintf(&buf, "%s_work_group_%s{work_group_id=%q} %f\n", ns, counter.name, key, counter.value(c.samples[key]))
		}
	}

	_, err := w.Write(buf.Bytes())
	return err
}
