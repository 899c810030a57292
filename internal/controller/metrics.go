package controller

import (
	"sync"

	"github.com/mtzanidakis/synedrio/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

var debateMetrics struct {
	rounds        metric.Int64Counter
	failures      metric.Int64Counter
	completions   metric.Int64Counter
	tokens        metric.Int64Counter
	roundDuration metric.Float64Histogram
}

var debateMetricsOnce sync.Once

func initDebateMetrics() {
	m := telemetry.Meter("github.com/mtzanidakis/synedrio/controller")
	debateMetrics.rounds, _ = m.Int64Counter("synedrio.debate.rounds",
		metric.WithDescription("Participant rounds driven"),
		metric.WithUnit("{round}"),
	)
	debateMetrics.failures, _ = m.Int64Counter("synedrio.debate.adapter_failures",
		metric.WithDescription("Rounds that produced no score"),
		metric.WithUnit("{round}"),
	)
	debateMetrics.completions, _ = m.Int64Counter("synedrio.debate.element_completions",
		metric.WithDescription("Elements completed, by reason"),
		metric.WithUnit("{element}"),
	)
	debateMetrics.tokens, _ = m.Int64Counter("synedrio.debate.tokens",
		metric.WithDescription("Response tokens reported by providers"),
		metric.WithUnit("{token}"),
	)
	debateMetrics.roundDuration, _ = m.Float64Histogram("synedrio.debate.round.duration",
		metric.WithDescription("Participant round trip duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}
