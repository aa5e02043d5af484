package dht

import "time"

// trafficSamples is the number of one-second samples averaged into a rate.
const trafficSamples = 12

// speedMonitor tracks a byte total and its rolling average rate.
type speedMonitor struct {
	total     int64
	lastTotal int64
	samples   [trafficSamples]float64
	next      int
	count     int
	rate      float64
	lastTick  time.Time
}

func (m *speedMonitor) add(n int) {
	m.total += int64(n)
}

func (m *speedMonitor) tick(now time.Time) {
	if m.lastTick.IsZero() {
		m.lastTick = now
		m.lastTotal = m.total
		return
	}
	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}

	m.samples[m.next] = float64(m.total-m.lastTotal) / elapsed
	m.next = (m.next + 1) % trafficSamples
	if m.count < trafficSamples {
		m.count++
	}

	var sum float64
	for i := 0; i < m.count; i++ {
		sum += m.samples[i]
	}
	m.rate = sum / float64(m.count)
	m.lastTick = now
	m.lastTotal = m.total
}

// TrafficMonitor measures DHT bytes sent and received.
type TrafficMonitor struct {
	in  speedMonitor
	out speedMonitor
}

// Received records n inbound bytes.
func (t *TrafficMonitor) Received(n int) { t.in.add(n) }

// Sent records n outbound bytes.
func (t *TrafficMonitor) Sent(n int) { t.out.add(n) }

// Tick closes the current sample window.
func (t *TrafficMonitor) Tick(now time.Time) {
	t.in.tick(now)
	t.out.tick(now)
}

// Totals returns total bytes received and sent.
func (t *TrafficMonitor) Totals() (in, out int64) {
	return t.in.total, t.out.total
}

// Rates returns the rolling average receive and send rates in bytes per
// second.
func (t *TrafficMonitor) Rates() (in, out float64) {
	return t.in.rate, t.out.rate
}
