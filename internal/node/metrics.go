package node

import (
	"github.com/prometheus/client_golang/prometheus"

	"sunkcost/internal/chain"
)

const metricsNamespace = "sunkcost"

var (
	descHeight = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "chain_height"),
		"Height of the latest committed block.", nil, nil)
	descPots = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "pots"),
		"Pots by status.", []string{"status"}, nil)
	descTxSubmitted = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "tx_submitted_total"),
		"Transactions submitted to the ledger.", nil, nil)
	descTxRejected = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "tx_rejected_total"),
		"Transactions rejected by the ledger.", nil, nil)
	descBlocksCommitted = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "blocks_committed_total"),
		"Blocks committed since genesis.", nil, nil)
	descBuyIns = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "buy_ins_total"),
		"Successful buy-ins across all pots.", nil, nil)
	descCustody = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "custody_balance"),
		"Value held in custody for open pots.", nil, nil)
	descBurned = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "burned_total"),
		"Value destroyed by burn policies.", nil, nil)
	descPaidOut = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "paid_out_total"),
		"Value paid to pot winners.", nil, nil)
	descEvents = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "events_total"),
		"Events handled by the dispatcher by outcome.", []string{"outcome"}, nil)
	descEventBacklog = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "event_backlog"),
		"Events waiting to be published.", nil, nil)
)

type metricsSource interface {
	GetMetrics() chain.Metrics
}

type eventCounters interface {
	Pending() int
	Dropped() uint64
	Published() uint64
	Failed() uint64
}

// ledgerCollector reads chain and dispatcher counters on every scrape.
type ledgerCollector struct {
	chain  metricsSource
	events eventCounters
}

var _ prometheus.Collector = &ledgerCollector{}

func newLedgerCollector(c metricsSource, events eventCounters) *ledgerCollector {
	return &ledgerCollector{chain: c, events: events}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHeight
	ch <- descPots
	ch <- descTxSubmitted
	ch <- descTxRejected
	ch <- descBlocksCommitted
	ch <- descBuyIns
	ch <- descCustody
	ch <- descBurned
	ch <- descPaidOut
	ch <- descEvents
	ch <- descEventBacklog
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.chain.GetMetrics()
	ch <- prometheus.MustNewConstMetric(descHeight, prometheus.GaugeValue, float64(m.Height))
	ch <- prometheus.MustNewConstMetric(descPots, prometheus.GaugeValue, float64(m.OpenPots), "open")
	ch <- prometheus.MustNewConstMetric(descPots, prometheus.GaugeValue, float64(m.ClaimedPots), "claimed")
	ch <- prometheus.MustNewConstMetric(descTxSubmitted, prometheus.CounterValue, float64(m.SubmittedTxTotal))
	ch <- prometheus.MustNewConstMetric(descTxRejected, prometheus.CounterValue, float64(m.RejectedTxTotal))
	ch <- prometheus.MustNewConstMetric(descBlocksCommitted, prometheus.CounterValue, float64(m.CommittedBlocksTotal))
	ch <- prometheus.MustNewConstMetric(descBuyIns, prometheus.CounterValue, float64(m.BuyInsTotal))
	ch <- prometheus.MustNewConstMetric(descCustody, prometheus.GaugeValue, float64(m.CustodyBalance))
	ch <- prometheus.MustNewConstMetric(descBurned, prometheus.CounterValue, float64(m.BurnedTotal))
	ch <- prometheus.MustNewConstMetric(descPaidOut, prometheus.CounterValue, float64(m.PaidOutTotal))

	if c.events == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(descEvents, prometheus.CounterValue, float64(c.events.Published()), "published")
	ch <- prometheus.MustNewConstMetric(descEvents, prometheus.CounterValue, float64(c.events.Failed()), "failed")
	ch <- prometheus.MustNewConstMetric(descEvents, prometheus.CounterValue, float64(c.events.Dropped()), "dropped")
	ch <- prometheus.MustNewConstMetric(descEventBacklog, prometheus.GaugeValue, float64(c.events.Pending()))
}
