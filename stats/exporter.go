/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// JSONHandler serves the last snapshot as a JSON object, grounded on
// the teacher's JSONStats.handleRequest (ptp/ptp4u/stats/json.go).
func (s *Stats) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		js, err := json.Marshal(s.Export())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(js); err != nil {
			log.WithError(err).Error("failed to write stats response")
		}
	}
}

// PrometheusExporter republishes a Stats snapshot as Prometheus gauges
// (grounded on ptp/sptp/stats/prom_exporter.go), scraped over HTTP
// through Handler.
type PrometheusExporter struct {
	registry *prometheus.Registry
	stats    *Stats
}

// NewPrometheusExporter wraps stats with a fresh Prometheus registry.
func NewPrometheusExporter(s *Stats) *PrometheusExporter {
	return &PrometheusExporter{registry: prometheus.NewRegistry(), stats: s}
}

// Handler returns the promhttp handler for this exporter's registry.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Collect republishes the current snapshot onto the registry; call
// before each scrape (or on a ticker, as the teacher's exporter does).
func (e *PrometheusExporter) Collect() {
	for key, val := range e.stats.Export() {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: flattenKey(key), Help: key})
		if err := e.registry.Register(g); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.WithError(err).WithField("metric", key).Error("failed to register metric")
				continue
			}
		}
		g.Set(float64(val))
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return fmt.Sprintf("pgm_%s", key)
}
