// Package metrics implements the §6.3 metrics sink: newline-delimited
// records with a monotonic timestamp for every named event. Grounded on
// original_source/metrics.py's MetricsCollector, adapted to write through
// a logrus.Logger with a JSON formatter (the ambient logging library
// already produces newline-delimited JSON, so it doubles as the sink's
// encoder rather than hand-rolling one).
package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one recorded occurrence, kept in memory for Summary/Export in
// addition to being written to the sink file as it happens.
type Event struct {
	Name      string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
	Elapsed   time.Duration  `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink records the events named in spec §6.3.
type Sink struct {
	mu     sync.Mutex
	log    *logrus.Logger
	file   *os.File
	start  time.Time
	events []Event
}

// New opens (or reuses) a JSON-lines writer at path. If path is empty,
// events are only kept in memory for Summary()/Export*, matching
// original_source's optional --metrics-file flag.
func New(path string) (*Sink, error) {
	s := &Sink{start: time.Now()}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.SetLevel(logrus.InfoLevel)

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("metrics: open %s: %w", path, err)
		}
		s.file = f
		logger.SetOutput(f)
	} else {
		logger.SetOutput(nopWriter{})
	}
	s.log = logger
	return s, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func (s *Sink) record(name string, fields map[string]any, elapsed time.Duration) {
	s.mu.Lock()
	ev := Event{Name: name, Fields: fields, Elapsed: elapsed, Timestamp: time.Now()}
	s.events = append(s.events, ev)
	s.mu.Unlock()

	entry := s.log.WithField("elapsedMs", float64(time.Since(s.start).Milliseconds()))
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Info(name)
}

func (s *Sink) ElectionStarted(term uint64) {
	s.record("election_started", map[string]any{"term": term}, 0)
}

func (s *Sink) ElectionWon(term uint64, duration time.Duration) {
	s.record("election_won", map[string]any{"term": term, "durationMs": float64(duration.Microseconds()) / 1000}, duration)
}

func (s *Sink) PromotionStarted(rank int) {
	s.record("promotion_started", map[string]any{"rank": rank}, 0)
}

func (s *Sink) PromotionSucceeded(rank int, duration time.Duration) {
	s.record("promotion_succeeded", map[string]any{"rank": rank, "durationMs": float64(duration.Microseconds()) / 1000}, duration)
}

func (s *Sink) PromotionFailed(rank int, reason string) {
	s.record("promotion_failed", map[string]any{"rank": rank, "reason": reason}, 0)
}

func (s *Sink) SubleaderAssigned(rank, peer int) {
	s.record("subleader_assigned", map[string]any{"rank": rank, "peer": peer}, 0)
}

func (s *Sink) StepDown(reason string) {
	s.record("step_down", map[string]any{"reason": reason}, 0)
}

func (s *Sink) HeartbeatRTT(peer int, rtt time.Duration) {
	s.record("heartbeat_rtt", map[string]any{"peer": peer, "rttMs": float64(rtt.Microseconds()) / 1000}, 0)
}

// Summary aggregates counts and durations the way
// original_source/metrics.py's get_summary does.
type Summary struct {
	TotalTransitions   int     `json:"totalTransitions"`
	InstantPromotions  int     `json:"instantPromotions"`
	PromotionFailures  int     `json:"promotionFailures"`
	VotingElections    int     `json:"votingElections"`
	AvgTransitionMs    float64 `json:"avgTransitionMs"`
	AvgPromotionMs     float64 `json:"avgInstantPromotionMs"`
	AvgVotingElectionM float64 `json:"avgVotingElectionMs"`
}

func (s *Sink) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out            Summary
		durations      []float64
		promotionDurs  []float64
		votingDurs     []float64
	)
	for _, e := range s.events {
		switch e.Name {
		case "promotion_succeeded":
			out.InstantPromotions++
			out.TotalTransitions++
			ms := float64(e.Elapsed.Microseconds()) / 1000
			durations = append(durations, ms)
			promotionDurs = append(promotionDurs, ms)
		case "election_won":
			out.VotingElections++
			out.TotalTransitions++
			ms := float64(e.Elapsed.Microseconds()) / 1000
			durations = append(durations, ms)
			votingDurs = append(votingDurs, ms)
		case "promotion_failed":
			out.PromotionFailures++
		}
	}
	out.AvgTransitionMs = mean(durations)
	out.AvgPromotionMs = mean(promotionDurs)
	out.AvgVotingElectionM = mean(votingDurs)
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// ExportJSON writes the full event log plus summary to path.
func (s *Sink) ExportJSON(path string) error {
	s.mu.Lock()
	payload := struct {
		Summary   Summary `json:"summary"`
		Events    []Event `json:"events"`
		ExportedAt time.Time `json:"exportedAt"`
	}{Events: append([]Event(nil), s.events...), ExportedAt: time.Now()}
	s.mu.Unlock()
	payload.Summary = s.Summary()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

// ExportCSV writes election/promotion timing rows only, mirroring
// original_source/metrics.py's export_csv.
func (s *Sink) ExportCSV(path string) error {
	s.mu.Lock()
	events := append([]Event(nil), s.events...)
	s.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"timestamp", "event", "durationMs"}); err != nil {
		return err
	}
	for _, e := range events {
		if e.Name != "election_won" && e.Name != "promotion_succeeded" {
			continue
		}
		row := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.Name,
			fmt.Sprintf("%.3f", float64(e.Elapsed.Microseconds())/1000),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the sink's underlying file, if any.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
