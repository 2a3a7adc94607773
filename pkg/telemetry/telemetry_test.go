package telemetry

import (
	"context"
	"testing"
)

func TestRecordJobDoesNotPanic(t *testing.T) {
	r, err := NewRecorder()
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer r.Shutdown(context.Background())

	r.RecordJob(context.Background(), "render", "ok", 120, 4096, 2*1024*1024)
	r.RecordCacheHit(context.Background(), "render")
}
