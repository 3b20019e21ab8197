package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters the storage engine reports. A nil *Metrics is
// valid and records nothing, so components can be wired without telemetry.
type Metrics struct {
	pageHits     metric.Int64Counter
	pageMisses   metric.Int64Counter
	pageEvicts   metric.Int64Counter
	logFlushes   metric.Int64Counter
	logBytes     metric.Int64Counter
	txnBegins    metric.Int64Counter
	txnCommits   metric.Int64Counter
	txnAborts    metric.Int64Counter
	waitDieKills metric.Int64Counter
}

// NewMetrics registers the engine's instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.pageHits, "latchdb.bufferpool.hits", "pages served from the buffer pool"},
		{&m.pageMisses, "latchdb.bufferpool.misses", "pages read from disk"},
		{&m.pageEvicts, "latchdb.bufferpool.evictions", "frames reclaimed from the replacer"},
		{&m.logFlushes, "latchdb.wal.flushes", "log buffer flushes"},
		{&m.logBytes, "latchdb.wal.bytes", "log bytes written"},
		{&m.txnBegins, "latchdb.txn.begins", "transactions started"},
		{&m.txnCommits, "latchdb.txn.commits", "transactions committed"},
		{&m.txnAborts, "latchdb.txn.aborts", "transactions aborted"},
		{&m.waitDieKills, "latchdb.lock.waitdie_kills", "transactions killed by wait-die"},
	} {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	return m, nil
}

func (m *Metrics) add(counter metric.Int64Counter, n int64) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(context.Background(), n)
}

func (m *Metrics) PageHit()           { if m != nil { m.add(m.pageHits, 1) } }
func (m *Metrics) PageMiss()          { if m != nil { m.add(m.pageMisses, 1) } }
func (m *Metrics) PageEvicted()       { if m != nil { m.add(m.pageEvicts, 1) } }
func (m *Metrics) LogFlushed(n int64) { if m != nil { m.add(m.logFlushes, 1); m.add(m.logBytes, n) } }
func (m *Metrics) TxnBegan()          { if m != nil { m.add(m.txnBegins, 1) } }
func (m *Metrics) TxnCommitted()      { if m != nil { m.add(m.txnCommits, 1) } }
func (m *Metrics) TxnAborted()        { if m != nil { m.add(m.txnAborts, 1) } }
func (m *Metrics) WaitDieKill()       { if m != nil { m.add(m.waitDieKills, 1) } }
