// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kb

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for knowledge base operations.
var (
	tracer = otel.Tracer("grokysis.kb")
	meter  = otel.Meter("grokysis.kb")
)

var (
	searchesTotal    metric.Int64Counter
	analysesTotal    metric.Int64Counter
	edgesTotal       metric.Int64Counter
	analyzingGauge   metric.Int64UpDownCounter
	analysisDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		searchesTotal, err = meter.Int64Counter(
			"grokysis_kb_searches_total",
			metric.WithDescription("Backend searches issued by the knowledge base"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysesTotal, err = meter.Int64Counter(
			"grokysis_kb_analyses_total",
			metric.WithDescription("Completed symbol analyses by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		edgesTotal, err = meter.Int64Counter(
			"grokysis_kb_edges_total",
			metric.WithDescription("Edges added to the symbol graph"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzingGauge, err = meter.Int64UpDownCounter(
			"grokysis_kb_symbols_analyzing",
			metric.WithDescription("Symbols with an analysis in flight"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisDuration, err = meter.Float64Histogram(
			"grokysis_kb_analysis_duration_seconds",
			metric.WithDescription("Duration of one symbol analysis"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSearch(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	searchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordAnalysis(ctx context.Context, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	analysesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	analysisDuration.Record(ctx, duration.Seconds())
}

func recordEdge(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	edgesTotal.Add(ctx, 1)
}

func recordAnalyzing(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	analyzingGauge.Add(ctx, delta)
}

// startAnalysisSpan creates a span for one symbol analysis.
func startAnalysisSpan(ctx context.Context, raw string, hops int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "KnowledgeBase.analyzeSymbol",
		trace.WithAttributes(
			attribute.String("kb.symbol", raw),
			attribute.Int("kb.hops", hops),
		),
	)
}
