package construct

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrix-construct/construct-sub013/bootstrap"
	"github.com/matrix-construct/construct-sub013/dbs"
	"github.com/matrix-construct/construct-sub013/vm"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports the engine metrics of the event store:
// compactions, memtables, WAL and block cache.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func pebbleDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("construct_pebble_"+name, help, nil, nil)
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &PebbleCollector{db: db, metrics: []pebbleMetric{
		{pebbleDesc("compaction_count_total", "Compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
		{pebbleDesc("compaction_default_count_total", "Default compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.DefaultCount) }},
		{pebbleDesc("compaction_elision_only_total", "Elision-only compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.ElisionOnlyCount) }},
		{pebbleDesc("compaction_move_total", "Move compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }},
		{pebbleDesc("compaction_read_total", "Read compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.ReadCount) }},
		{pebbleDesc("compaction_rewrite_total", "Rewrite compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.RewriteCount) }},
		{pebbleDesc("compaction_multilevel_total", "Multi-level compactions performed"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.MultiLevelCount) }},
		{pebbleDesc("compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
		{pebbleDesc("compaction_in_progress_bytes", "Bytes being compacted"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
		{pebbleDesc("compaction_marked_files", "Files marked for compaction"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.Compact.MarkedFiles) }},
		{pebbleDesc("memtable_size_bytes", "Size of the memtables"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
		{pebbleDesc("memtable_count", "Memtables"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
		{pebbleDesc("memtable_zombie_size_bytes", "Size of zombie memtables"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieSize) }},
		{pebbleDesc("memtable_zombie_count", "Zombie memtables"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieCount) }},
		{pebbleDesc("wal_files", "Live WAL files"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
		{pebbleDesc("wal_obsolete_files", "Obsolete WAL files"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.ObsoleteFiles) }},
		{pebbleDesc("wal_size_bytes", "Size of the live WAL"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
		{pebbleDesc("wal_bytes_in_total", "Logical bytes written to the WAL"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }},
		{pebbleDesc("wal_bytes_written_total", "Physical bytes written to the WAL"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		{pebbleDesc("block_cache_size_bytes", "Bytes held by the block cache"), gauge,
			func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Size) }},
		{pebbleDesc("block_cache_hits_total", "Block cache hits"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Hits) }},
		{pebbleDesc("block_cache_misses_total", "Block cache misses"), counter,
			func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Misses) }},
	}}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	snap := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}

// Metrics lists every collector of the server for registration.
func (h *Homeserver) Metrics() []prometheus.Collector {
	cs := []prometheus.Collector{
		h.collector,
		dbs.HorizonDeferred,
		dbs.HorizonResolved,
		dbs.HorizonSkipped,
		dbs.RepairRows,
		dbs.FetchCount,
		bootstrap.FeedEvents,
		bootstrap.FeedBytes,
		bootstrap.BackfillJobs,
		bootstrap.BackfillDuration,
	}
	return append(cs, vm.Collectors()...)
}
