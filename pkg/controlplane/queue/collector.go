/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"

	"github.com/nanofaas/control-plane/pkg/controlplane/metrics"
	"github.com/nanofaas/control-plane/pkg/controlplane/types"
	metricsutil "github.com/nanofaas/control-plane/pkg/controlplane/util/metrics"
)

var controlModes = []types.ConcurrencyControlMode{
	types.ConcurrencyControlFixed,
	types.ConcurrencyControlStaticPerPod,
	types.ConcurrencyControlAdaptivePerPod,
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName("", metrics.FunctionQueueComponent, name),
		metricsutil.HelpMsgWithStability(help, compbasemetrics.ALPHA),
		append([]string{"function"}, labels...),
		nil,
	)
}

var (
	depthDesc        = newDesc("depth", "Number of tasks waiting in the function's bounded queue.")
	capacityDesc     = newDesc("capacity", "Capacity of the function's bounded queue.")
	inFlightDesc     = newDesc("in_flight", "Number of dispatch slots currently held for the function.")
	effectiveDesc    = newDesc("effective_concurrency", "Currently enforced concurrency limit for the function.")
	configuredDesc   = newDesc("configured_concurrency", "Statically configured concurrency limit for the function.")
	targetPerPodDesc = newDesc("target_inflight_per_pod", "Per-pod in-flight target reported by the concurrency controller.")
	controlModeDesc  = newDesc("concurrency_controller_mode", "Active concurrency controller mode, 1 for the active mode and 0 otherwise.", "mode")
)

// Collector exports the point-in-time state of every function queue at scrape time, so series of removed functions
// disappear with them.
type Collector struct {
	manager *Manager
}

// NewCollector returns a Collector over m. Register it with metrics.Register.
func NewCollector(m *Manager) *Collector {
	return &Collector{manager: m}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- depthDesc
	ch <- capacityDesc
	ch <- inFlightDesc
	ch <- effectiveDesc
	ch <- configuredDesc
	ch <- targetPerPodDesc
	ch <- controlModeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.manager.ForEach(func(s *FunctionQueueState) bool {
		name := s.Name()
		ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(s.Queued()), name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.Capacity()), name)
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(s.InFlight()), name)
		ch <- prometheus.MustNewConstMetric(effectiveDesc, prometheus.GaugeValue, float64(s.EffectiveConcurrency()), name)
		ch <- prometheus.MustNewConstMetric(configuredDesc, prometheus.GaugeValue, float64(s.ConfiguredConcurrency()), name)

		mode, target := s.ConcurrencyController()
		ch <- prometheus.MustNewConstMetric(targetPerPodDesc, prometheus.GaugeValue, float64(target), name)
		for _, m := range controlModes {
			v := 0.0
			if m == mode {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(controlModeDesc, prometheus.GaugeValue, v, name, string(m))
		}
		return true
	})
}
