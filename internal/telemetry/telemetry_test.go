package telemetry

import (
	"context"
	"testing"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), "twoyid-test", "")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected a non-nil no-op tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned error: %v", err)
	}

	_, span := tracer.Start(context.Background(), "test-span")
	span.End()
}
