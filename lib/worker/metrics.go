/*
 * Backend.AI AppProxy
 * Copyright (C) 2026  Lablup Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lablup/appproxy/lib/apperr"
	"github.com/lablup/appproxy/lib/defaults"
)

var (
	requestsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Number of requests and connections handed to a backend, partitioned by traffic class.",
		},
		[]string{"app_mode"},
	)
	requestsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "worker",
			Name:      "rejected_requests_total",
			Help:      "Number of requests rejected by admission, partitioned by error code.",
		},
		[]string{"code"},
	)
	backendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "worker",
			Name:      "backend_errors_total",
			Help:      "Number of proxied requests that failed against the backend kernel.",
		},
	)
	installedCircuits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "worker",
			Name:      "installed_circuits",
			Help:      "Number of circuit handlers currently installed on this worker.",
		},
	)

	workerCollectors = []prometheus.Collector{
		requestsServed, requestsRejected, backendErrors, installedCircuits,
	}
)

// countRejected labels the rejection counter with the Backend.AI code
// of the error, or "unclassified" for plain access errors.
func countRejected(err error) {
	code := string(apperr.CodeOf(err))
	if code == "" {
		code = "unclassified"
	}
	requestsRejected.WithLabelValues(code).Inc()
}
