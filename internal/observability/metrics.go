package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
)

// Metrics holds the in-process performance metrics of the orchestrator.
type Metrics struct {
	// Database metrics
	dbTransactionBegin   *Histogram
	dbTransactionCommit  *Histogram
	dbActiveTransactions *AtomicGauge

	// Dispatcher metrics
	dispatchPassDuration *HistogramVec // by trigger
	workerStartLatency   *HistogramVec // by worker name
	subtaskOutcomes      *CounterVec   // by final status
	retriesScheduled     *Counter
	cascadeSkips         *Counter
	inFlight             *GaugeVec // by execution id
	sweepDuration        *Histogram

	// Planner and transport metrics
	planDuration    *HistogramVec // by planner
	requestDuration *HistogramVec // by method or route
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		dbTransactionBegin:   NewHistogram(),
		dbTransactionCommit:  NewHistogram(),
		dbActiveTransactions: NewAtomicGauge(),

		dispatchPassDuration: NewHistogramVec(),
		workerStartLatency:   NewHistogramVec(),
		subtaskOutcomes:      NewCounterVec(),
		retriesScheduled:     NewCounter(),
		cascadeSkips:         NewCounter(),
		inFlight:             NewGaugeVec(),
		sweepDuration:        NewHistogram(),

		planDuration:    NewHistogramVec(),
		requestDuration: NewHistogramVec(),
	}
}

func (m *Metrics) DBTransactionBegin() *Histogram     { return m.dbTransactionBegin }
func (m *Metrics) DBTransactionCommit() *Histogram    { return m.dbTransactionCommit }
func (m *Metrics) DBActiveTransactions() *AtomicGauge { return m.dbActiveTransactions }

func (m *Metrics) DispatchPassDuration() *HistogramVec { return m.dispatchPassDuration }
func (m *Metrics) WorkerStartLatency() *HistogramVec   { return m.workerStartLatency }
func (m *Metrics) SubtaskOutcomes() *CounterVec        { return m.subtaskOutcomes }
func (m *Metrics) RetriesScheduled() *Counter          { return m.retriesScheduled }
func (m *Metrics) CascadeSkips() *Counter              { return m.cascadeSkips }
func (m *Metrics) InFlight() *GaugeVec                 { return m.inFlight }
func (m *Metrics) SweepDuration() *Histogram           { return m.sweepDuration }

func (m *Metrics) PlanDuration() *HistogramVec    { return m.planDuration }
func (m *Metrics) RequestDuration() *HistogramVec { return m.requestDuration }

// Snapshot returns a snapshot of all metrics for reporting.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	return &MetricsSnapshot{
		DBTransactionBegin:   m.dbTransactionBegin.Snapshot(),
		DBTransactionCommit:  m.dbTransactionCommit.Snapshot(),
		DBActiveTransactions: m.dbActiveTransactions.Get(),

		DispatchPassDuration: m.dispatchPassDuration.Snapshot(),
		WorkerStartLatency:   m.workerStartLatency.Snapshot(),
		SubtaskOutcomes:      m.subtaskOutcomes.Snapshot(),
		RetriesScheduled:     m.retriesScheduled.Get(),
		CascadeSkips:         m.cascadeSkips.Get(),
		InFlight:             m.inFlight.Snapshot(),
		SweepDuration:        m.sweepDuration.Snapshot(),

		PlanDuration:    m.planDuration.Snapshot(),
		RequestDuration: m.requestDuration.Snapshot(),
	}
}

// MetricsSnapshot holds a point-in-time snapshot of all metrics.
type MetricsSnapshot struct {
	DBTransactionBegin   HistogramSnapshot `json:"db_transaction_begin"`
	DBTransactionCommit  HistogramSnapshot `json:"db_transaction_commit"`
	DBActiveTransactions int64             `json:"db_active_transactions"`

	DispatchPassDuration map[string]HistogramSnapshot `json:"dispatch_pass_duration"`
	WorkerStartLatency   map[string]HistogramSnapshot `json:"worker_start_latency"`
	SubtaskOutcomes      map[string]int64             `json:"subtask_outcomes"`
	RetriesScheduled     int64                        `json:"retries_scheduled"`
	CascadeSkips         int64                        `json:"cascade_skips"`
	InFlight             map[string]float64           `json:"in_flight"`
	SweepDuration        HistogramSnapshot            `json:"sweep_duration"`

	PlanDuration    map[string]HistogramSnapshot `json:"plan_duration"`
	RequestDuration map[string]HistogramSnapshot `json:"request_duration"`
}

// ServeHTTP implements http.Handler for metrics exposition.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	if r.URL.Query().Get("format") == "json" || r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(snapshot)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	snapshot.WriteText(w)
}

// WriteText renders the snapshot in a human-readable form.
func (s *MetricsSnapshot) WriteText(w io.Writer) {
	fmt.Fprintf(w, "# epicflow metrics\n\n")

	fmt.Fprintf(w, "## Database\n\n")
	writeHistogramSummary(w, "Transaction Begin", s.DBTransactionBegin)
	writeHistogramSummary(w, "Transaction Commit", s.DBTransactionCommit)
	fmt.Fprintf(w, "Active Transactions: %d\n\n", s.DBActiveTransactions)

	fmt.Fprintf(w, "## Dispatcher\n\n")
	writeHistogramVec(w, "Dispatch Pass Duration by trigger", s.DispatchPassDuration)
	writeHistogramVec(w, "Worker Start Latency by worker", s.WorkerStartLatency)
	writeHistogramSummary(w, "Sweep Duration", s.SweepDuration)
	fmt.Fprintf(w, "Retries Scheduled: %d\n", s.RetriesScheduled)
	fmt.Fprintf(w, "Cascade Skips: %d\n\n", s.CascadeSkips)

	if len(s.SubtaskOutcomes) > 0 {
		fmt.Fprintf(w, "Subtask Outcomes:\n")
		for _, label := range sortedKeys(s.SubtaskOutcomes) {
			fmt.Fprintf(w, "  %s: %d\n", label, s.SubtaskOutcomes[label])
		}
		fmt.Fprintf(w, "\n")
	}
	if len(s.InFlight) > 0 {
		fmt.Fprintf(w, "In Flight by execution:\n")
		for _, label := range sortedKeys(s.InFlight) {
			fmt.Fprintf(w, "  %s: %.0f\n", label, s.InFlight[label])
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "## Planner and API\n\n")
	writeHistogramVec(w, "Plan Duration by planner", s.PlanDuration)
	writeHistogramVec(w, "Request Duration by method", s.RequestDuration)
}

func writeHistogramSummary(w io.Writer, name string, h HistogramSnapshot) {
	if h.Count == 0 {
		fmt.Fprintf(w, "%s: no data\n", name)
		return
	}
	fmt.Fprintf(w, "%s (n=%d):\n", name, h.Count)
	fmt.Fprintf(w, "  Mean: %v, P50: %v, P95: %v, P99: %v, Max: %v\n",
		h.Mean, h.P50, h.P95, h.P99, h.Max)
}

func writeHistogramVec(w io.Writer, title string, vec map[string]HistogramSnapshot) {
	if len(vec) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, label := range sortedKeys(vec) {
		h := vec[label]
		fmt.Fprintf(w, "  %s: count=%d mean=%v p95=%v max=%v\n", label, h.Count, h.Mean, h.P95, h.Max)
	}
	fmt.Fprintf(w, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
