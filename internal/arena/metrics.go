// Copyright (C) 2025 the sgrun authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package arena

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	observationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sgrun",
		Subsystem: "arena",
		Name:      "observations_total",
		Help:      "Invocation observations recorded, by locus and immediate result.",
	}, []string{"locus", "result"})

	promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sgrun",
		Subsystem: "arena",
		Name:      "promotions_total",
		Help:      "Allele promotions to dominant, by locus.",
	}, []string{"locus"})

	demotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sgrun",
		Subsystem: "arena",
		Name:      "demotions_total",
		Help:      "Dominant allele demotions, by locus.",
	}, []string{"locus"})

	regressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sgrun",
		Subsystem: "arena",
		Name:      "regressions_total",
		Help:      "Regression events detected, by locus and severity.",
	}, []string{"locus", "severity"})

	dominantFitnessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sgrun",
		Subsystem: "arena",
		Name:      "dominant_fitness",
		Help:      "Current fitness of the dominant allele, by locus.",
	}, []string{"locus"})
)
