package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crashtriage/internal/events"
)

// PrometheusSink turns dispatch events into counters.
type PrometheusSink struct {
	claims     *prometheus.CounterVec
	results    prometheus.Counter
	rejected   prometheus.Counter
	signatures *prometheus.CounterVec
	retests    *prometheus.CounterVec
	zombies    prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashtriage_claim_attempts_total",
			Help: "Claim attempts partitioned by outcome.",
		}, []string{"outcome"}),
		results: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashtriage_results_stored_total",
			Help: "Run headers accepted by ingestion.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashtriage_details_rejected_total",
			Help: "Failure details rejected during ingestion.",
		}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashtriage_history_folds_total",
			Help: "History folds partitioned by failure kind and outcome.",
		}, []string{"kind", "outcome"}),
		retests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crashtriage_retest_jobs_total",
			Help: "Retest combinations partitioned by outcome.",
		}, []string{"outcome"}),
		zombies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crashtriage_workers_zombied_total",
			Help: "Workers marked zombie after missing heartbeats.",
		}),
	}
	for _, c := range []prometheus.Collector{s.claims, s.results, s.rejected, s.signatures, s.retests, s.zombies} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageClaimWon:
			s.claims.WithLabelValues("won").Inc()
		case events.StageClaimLost:
			s.claims.WithLabelValues("lost").Inc()
		case events.StageClaimEmpty:
			s.claims.WithLabelValues("empty").Inc()
		case events.StageResultStored:
			s.results.Inc()
		case events.StageDetailRejected:
			s.rejected.Inc()
		case events.StageSignatureNew:
			s.signatures.WithLabelValues(kindLabel(evt), "new").Inc()
		case events.StageSignatureUpdated:
			s.signatures.WithLabelValues(kindLabel(evt), "updated").Inc()
		case events.StageRetestCreated:
			s.retests.WithLabelValues("created").Inc()
		case events.StageRetestSkipped:
			s.retests.WithLabelValues("skipped").Inc()
		case events.StageWorkerZombie:
			s.zombies.Inc()
		}
	}
	return nil
}

func kindLabel(evt events.Event) string {
	if evt.Kind == "" {
		return "unknown"
	}
	return string(evt.Kind)
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
