package weft

import "expvar"

// engineMetrics record peer activity counters, in the same spirit as
// chirp's peerMetrics: a handful of expvar counters and gauges shared by
// every Peer in the process, exposed through (*Peer).Metrics.
type engineMetrics struct {
	packetsRecv    expvar.Int
	packetsSent    expvar.Int
	packetsDropped expvar.Int

	eventsEmitted  expvar.Int
	eventsReceived expvar.Int

	callsOut      expvar.Int
	callsOutErr   expvar.Int
	callsIn       expvar.Int
	callsInErr    expvar.Int
	callsPending  expvar.Int
	callsActive   expvar.Int

	fetchesOut    expvar.Int
	fetchesErr    expvar.Int
	fetchesActive expvar.Int
	pushesOut     expvar.Int
	pushesIn      expvar.Int

	emap *expvar.Map
}

var rootMetrics = newEngineMetrics()

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetsRecv)
	m.emap.Set("packets_sent", &m.packetsSent)
	m.emap.Set("packets_dropped", &m.packetsDropped)
	m.emap.Set("events_emitted", &m.eventsEmitted)
	m.emap.Set("events_received", &m.eventsReceived)
	m.emap.Set("calls_out", &m.callsOut)
	m.emap.Set("calls_out_failed", &m.callsOutErr)
	m.emap.Set("calls_in", &m.callsIn)
	m.emap.Set("calls_in_failed", &m.callsInErr)
	m.emap.Set("calls_pending", &m.callsPending)
	m.emap.Set("calls_active", &m.callsActive)
	m.emap.Set("fetches_out", &m.fetchesOut)
	m.emap.Set("fetches_failed", &m.fetchesErr)
	m.emap.Set("fetches_active", &m.fetchesActive)
	m.emap.Set("pushes_out", &m.pushesOut)
	m.emap.Set("pushes_in", &m.pushesIn)
	return m
}
