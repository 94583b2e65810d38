package inkwell

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreCollector exports a small set of pebble health metrics for the
// underlying store.
type StoreCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	readAmp         *prometheus.Desc
}

func NewStoreCollector(db *DB) *StoreCollector {
	return &StoreCollector{
		db: db.pebble,

		compactionCount: prometheus.NewDesc(
			"inkwell_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"inkwell_store_compaction_estimated_debt_bytes",
			"Estimated bytes to compact to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"inkwell_store_memtable_size_bytes",
			"Current size of the memtables",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"inkwell_store_memtable_count",
			"Number of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"inkwell_store_wal_size_bytes",
			"Current WAL size",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"inkwell_store_wal_bytes_written_total",
			"Bytes written to the WAL",
			nil, nil,
		),
		readAmp: prometheus.NewDesc(
			"inkwell_store_read_amplification",
			"Current read amplification",
			nil, nil,
		),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.readAmp
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()

	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.readAmp, prometheus.GaugeValue, float64(m.ReadAmp()))
}
