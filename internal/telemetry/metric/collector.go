package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/securekv/internal/infra/buildinfo"
)

// BuildInfoCollector exports a constant securekv_build_info gauge labelled
// with the binary's version.
type BuildInfoCollector struct {
	desc *prometheus.Desc
}

// NewBuildInfoCollector creates the collector.
func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "build_info"),
			"Build information of the running binary",
			[]string{"version", "commit", "go_version"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *BuildInfoCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *BuildInfoCollector) Collect(ch chan<- prometheus.Metric) {
	info := buildinfo.Get()
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, 1,
		info.Version, info.Commit, info.GoVersion)
}
