package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/go-edu/flowgate/bucket"
	"github.com/go-edu/flowgate/clock"
)

func TestNew_RegistersDistinctRegistriesIndependently(t *testing.T) {
	m1 := New()
	m2 := New()

	if m1.Registry == m2.Registry {
		t.Fatal("expected independent registries so two Metrics instances never collide")
	}
	if _, err := m1.Registry.Gather(); err != nil {
		t.Fatalf("gather m1: %v", err)
	}
	if _, err := m2.Registry.Gather(); err != nil {
		t.Fatalf("gather m2: %v", err)
	}
}

func TestBucketRecorder_ObserveGrantIncrementsByReason(t *testing.T) {
	m := New()
	rec := NewBucketRecorder(m)

	rec.ObserveGrant(bucket.ReasonGrant, clock.Duration(0.5))
	rec.ObserveGrant(bucket.ReasonFull, 0)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "flowgate_bucket_grants_total" {
			continue
		}
		found = true
		if len(fam.Metric) != 2 {
			t.Fatalf("expected 2 label combinations, got %d", len(fam.Metric))
		}
	}
	if !found {
		t.Fatal("flowgate_bucket_grants_total metric family not found")
	}
}

func TestBucketRecorder_SetQueueDepth(t *testing.T) {
	m := New()
	rec := NewBucketRecorder(m)

	rec.SetQueueDepth(3)

	var out dto.Metric
	if err := m.BucketQueueDepth.Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.GetGauge().GetValue() != 3 {
		t.Fatalf("expected queue depth 3, got %v", out.GetGauge().GetValue())
	}
}
