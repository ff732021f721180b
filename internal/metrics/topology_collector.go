package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"core_governor/internal/topology"
)

// TopologyCollector implements prometheus.Collector for the logical
// processor table, so dashboards can map pinned indices to core types.
type TopologyCollector struct {
	topo *topology.Topology

	cpuInfoDesc *prometheus.Desc
	cpusDesc    *prometheus.Desc
}

// NewTopologyCollector creates a collector over topo.
func NewTopologyCollector(topo *topology.Topology) *TopologyCollector {
	return &TopologyCollector{
		topo: topo,
		cpuInfoDesc: prometheus.NewDesc(
			namespace+"_cpu_info",
			"Logical processor identity, always 1.",
			[]string{"index", "cpu_set_id", "group", "core", "efficiency_class"}, nil,
		),
		cpusDesc: prometheus.NewDesc(
			namespace+"_cpus",
			"Number of logical processors.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TopologyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuInfoDesc
	ch <- c.cpusDesc
}

// Collect implements prometheus.Collector.
func (c *TopologyCollector) Collect(ch chan<- prometheus.Metric) {
	cpus := c.topo.CPUs()
	ch <- prometheus.MustNewConstMetric(c.cpusDesc, prometheus.GaugeValue, float64(len(cpus)))
	for _, cpu := range cpus {
		ch <- prometheus.MustNewConstMetric(
			c.cpuInfoDesc,
			prometheus.GaugeValue,
			1,
			strconv.Itoa(cpu.Index),
			fmt.Sprintf("0x%X", cpu.ID),
			strconv.Itoa(int(cpu.Group)),
			strconv.Itoa(int(cpu.CoreIndex)),
			strconv.Itoa(int(cpu.EfficiencyClass)),
		)
	}
}
