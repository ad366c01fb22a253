package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsHandlerExposesPlannerMetrics(t *testing.T) {
	Allocations.WithLabelValues("ok").Inc()
	AllocatedUnits.Add(42)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"planner_allocations_total", "planner_allocated_units_total", "planner_queue_depth"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	if err := InstallExporter("planner-test", "test", exporter); err != nil {
		t.Fatalf("install exporter: %v", err)
	}

	_, span := StartSpan(context.Background(), "allocate", attribute.String("job_id", "j1"))
	EndSpan(span, errors.New("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span got %d", len(spans))
	}
	if spans[0].Name != "allocate" {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status got %v", spans[0].Status.Code)
	}
}
