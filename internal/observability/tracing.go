// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned for an unsupported TraceConfig.Exporter.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// TraceConfig controls tracer setup.
type TraceConfig struct {
	// ServiceName identifies the copilot in exported spans.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Exporter is "stdout" or "none".
	Exporter string

	// Writer receives stdout spans. Defaults to os.Stdout inside stdouttrace.
	Writer io.Writer
}

// InitTracing installs a global TracerProvider.
//
// Description:
//
//	With Exporter "none" nothing is installed and otel's no-op provider
//	stays in place, so spans started by package remote cost nothing.
//	With "stdout" spans are pretty-printed as they finish.
//
// Outputs:
//
//	shutdown - Flushes and stops the provider. Always non-nil.
//	error - Non-nil if the exporter cannot be created.
//
// Example:
//
//	shutdown, err := observability.InitTracing(observability.TraceConfig{Exporter: "stdout"})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func InitTracing(cfg TraceConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "stdout":
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return noop, fmt.Errorf("create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "dataset-copilot"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
