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

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lablup/appproxy/lib/defaults"
)

// Circuit removal reasons, used as metric labels and log fields.
const (
	removeReasonAPI      = "api"
	removeReasonIdle     = "idle"
	removeReasonEndpoint = "endpoint_deleted"
	removeReasonWorker   = "worker_removed"
)

var (
	circuitsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "circuits_created_total",
			Help:      "Number of circuits created, partitioned by traffic class.",
		},
		[]string{"app_mode"},
	)
	circuitsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "circuits_removed_total",
			Help:      "Number of circuits removed, partitioned by reason.",
		},
		[]string{"reason"},
	)
	circuitReuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "circuit_reuses_total",
			Help:      "Number of interactive circuit requests answered by reuse.",
		},
	)
	confTokensIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "conf_tokens_issued_total",
			Help:      "Number of confirmation tokens minted.",
		},
	)
	provisionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "provision_failures_total",
			Help:      "Number of provisioning RPCs that no worker node confirmed.",
		},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: defaults.MetricsNamespace,
			Subsystem: "coordinator",
			Name:      "delivery_failures_total",
			Help:      "Number of circuits no worker acknowledged within the delivery window.",
		},
	)

	coordinatorCollectors = []prometheus.Collector{
		circuitsCreated, circuitsRemoved, circuitReuses, confTokensIssued, provisionFailures,
		deliveryFailures,
	}
)
