package krisos

import (
	"sync"
	"time"
)

// quantileMarker is a single-target streaming quantile estimator, one of
// five P-Square markers tracked for a chosen percentile. The P-Square
// algorithm (Jain & Chlamtac, 1985, "The P^2 Algorithm for Dynamic
// Calculation of Quantiles and Histograms Without Storing Observations")
// is reused from the teacher package's own psquare.go, which applies it to
// event-loop callback latency; here it tracks scheduling latency instead —
// the gap between a task entering StateReady and actually reaching
// StateRunning. Not thread-safe; schedulingLatencyMetrics supplies the lock.
type quantileMarker struct {
	p  float64    // target quantile, 0.0 to 1.0
	q  [5]float64 // marker heights
	n  [5]int     // marker positions
	np [5]float64 // desired marker positions
	dn [5]float64 // increments for desired marker positions

	count      int
	initBuffer [5]float64 // holds the first 5 observations before the markers initialize
}

func newQuantileMarker(p float64) *quantileMarker {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantileMarker{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Update adds one latency sample, an O(1) operation.
func (qm *quantileMarker) Update(x float64) {
	qm.count++

	if qm.count <= 5 {
		qm.initBuffer[qm.count-1] = x
		if qm.count == 5 {
			qm.initializeMarkers()
		}
		return
	}

	var k int
	switch {
	case x < qm.q[0]:
		qm.q[0] = x
		k = 0
	case x >= qm.q[4]:
		qm.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if qm.q[k] <= x && x < qm.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		qm.n[i]++
	}
	for i := 0; i < 5; i++ {
		qm.np[i] += qm.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := qm.np[i] - float64(qm.n[i])
		if (d >= 1 && qm.n[i+1]-qm.n[i] > 1) || (d <= -1 && qm.n[i-1]-qm.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := qm.parabolic(i, sign)
			if qm.q[i-1] < qPrime && qPrime < qm.q[i+1] {
				qm.q[i] = qPrime
			} else {
				qm.q[i] = qm.linear(i, sign)
			}
			qm.n[i] += sign
		}
	}
}

// initializeMarkers sets up the 5 markers from the first 5 observations.
func (qm *quantileMarker) initializeMarkers() {
	for i := 1; i < 5; i++ {
		key := qm.initBuffer[i]
		j := i - 1
		for j >= 0 && qm.initBuffer[j] > key {
			qm.initBuffer[j+1] = qm.initBuffer[j]
			j--
		}
		qm.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		qm.q[i] = qm.initBuffer[i]
		qm.n[i] = i
	}
	qm.np = [5]float64{0, 2 * qm.p, 4 * qm.p, 2 + 2*qm.p, 4}
}

func (qm *quantileMarker) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(qm.n[i])
	niPrev := float64(qm.n[i-1])
	niNext := float64(qm.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (qm.q[i+1] - qm.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (qm.q[i] - qm.q[i-1]) / (ni - niPrev)

	return qm.q[i] + term1*(term2+term3)
}

func (qm *quantileMarker) linear(i, d int) float64 {
	if d == 1 {
		return qm.q[i] + (qm.q[i+1]-qm.q[i])/float64(qm.n[i+1]-qm.n[i])
	}
	return qm.q[i] - (qm.q[i]-qm.q[i-1])/float64(qm.n[i]-qm.n[i-1])
}

// Quantile returns the current estimate, an O(1) operation.
func (qm *quantileMarker) Quantile() float64 {
	if qm.count == 0 {
		return 0
	}
	if qm.count < 5 {
		sorted := make([]float64, qm.count)
		copy(sorted, qm.initBuffer[:qm.count])
		for i := 1; i < qm.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(qm.count-1) * qm.p)
		if index >= qm.count {
			index = qm.count - 1
		}
		return sorted[index]
	}
	return qm.q[2]
}

// schedulingLatencyMetrics tracks the distribution of scheduling latency —
// the time between a task becoming ready and actually reaching Running —
// with a P50 and P99 quantileMarker plus plain running sum/max. This is the
// Go-native supplement for the out-of-scope "statistics task" named in
// SPEC_FULL.md §B.5.
type schedulingLatencyMetrics struct {
	mu    sync.Mutex
	p50   *quantileMarker
	p99   *quantileMarker
	count int
	sum   time.Duration
	max   time.Duration
}

func newSchedulingLatencyMetrics() *schedulingLatencyMetrics {
	return &schedulingLatencyMetrics{
		p50: newQuantileMarker(0.50),
		p99: newQuantileMarker(0.99),
	}
}

// record adds one ready-to-running latency sample.
func (m *schedulingLatencyMetrics) record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p50.Update(float64(d))
	m.p99.Update(float64(d))
	m.count++
	m.sum += d
	if d > m.max {
		m.max = d
	}
}

// snapshot reports the current P50/P99 estimates. Returns zero values until
// at least one sample has been recorded.
func (m *schedulingLatencyMetrics) snapshot() (p50, p99, mean, max time.Duration, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return 0, 0, 0, 0, 0
	}
	p50 = time.Duration(m.p50.Quantile())
	p99 = time.Duration(m.p99.Quantile())
	mean = m.sum / time.Duration(m.count)
	return p50, p99, mean, m.max, m.count
}

// schedulerCounters holds the plain counters protected by the kernel's own
// critical-section gate — they are only ever touched while the gate is
// held, so they need no locking of their own, matching how the original
// firmware's global diagnostic counters are only ever updated inside a
// masked section.
type schedulerCounters struct {
	contextSwitches       uint64
	idleTicks             uint64
	tasksCreated          uint64
	tasksDeleted          uint64
	mutexesCreated        uint64
	semaphoresCreated     uint64
	maxCriticalSectionLen time.Duration
}

// DiagnosticsSnapshot is the public, race-free view of the kernel's runtime
// statistics, the Go-native supplement for the distilled spec's
// out-of-scope "statistics task" (SPEC_FULL.md §B.4/§B.5): raw counters
// only, no text rendering.
type DiagnosticsSnapshot struct {
	Tick                     uint64
	LiveTasks                int
	ContextSwitches          uint64
	IdleTicks                uint64
	TasksCreated             uint64
	TasksDeleted             uint64
	MutexesCreated           uint64
	SemaphoresCreated        uint64
	MaxCriticalSectionTime   time.Duration
	SchedulingLatencyP50     time.Duration
	SchedulingLatencyP99     time.Duration
	SchedulingLatencyMean    time.Duration
	SchedulingLatencyMax     time.Duration
	SchedulingLatencySamples int
	HeapStats                HeapStats
}
