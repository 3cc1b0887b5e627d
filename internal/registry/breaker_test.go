package registry

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure(EndpointDevice)
		if err := b.Allow(EndpointDevice); err != nil {
			t.Fatalf("breaker opened after %d failure(s), threshold is 3", i+1)
		}
	}

	b.RecordFailure(EndpointDevice)
	if err := b.Allow(EndpointDevice); err != ErrBreakerOpen {
		t.Errorf("Allow after threshold = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure(EndpointDevice)
	b.RecordFailure(EndpointDevice)
	b.RecordSuccess(EndpointDevice)
	b.RecordFailure(EndpointDevice)
	b.RecordFailure(EndpointDevice)

	if err := b.Allow(EndpointDevice); err != nil {
		t.Errorf("Allow = %v, want nil: success should have reset the count", err)
	}
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	b := NewBreaker(1, time.Minute)

	b.RecordFailure(EndpointDevice)

	if err := b.Allow(EndpointDevice); err != ErrBreakerOpen {
		t.Errorf("Allow(device) = %v, want ErrBreakerOpen", err)
	}
	if err := b.Allow(EndpointLocations); err != nil {
		t.Errorf("Allow(locations) = %v, want nil: breakers are per endpoint", err)
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.RecordFailure(EndpointDevice)
	if err := b.Allow(EndpointDevice); err != ErrBreakerOpen {
		t.Fatalf("Allow = %v, want ErrBreakerOpen", err)
	}

	time.Sleep(15 * time.Millisecond)

	if err := b.Allow(EndpointDevice); err != nil {
		t.Fatalf("Allow after cooldown = %v, want nil probe", err)
	}
	if err := b.Allow(EndpointDevice); err != ErrBreakerOpen {
		t.Errorf("second Allow in half-open = %v, want ErrBreakerOpen", err)
	}

	b.RecordSuccess(EndpointDevice)
	if err := b.Allow(EndpointDevice); err != nil {
		t.Errorf("Allow after successful probe = %v, want nil", err)
	}
}

func TestBreaker_ZeroThresholdDisables(t *testing.T) {
	b := NewBreaker(0, time.Minute)

	for i := 0; i < 20; i++ {
		b.RecordFailure(EndpointDevice)
	}
	if err := b.Allow(EndpointDevice); err != nil {
		t.Errorf("Allow with threshold 0 = %v, want nil", err)
	}
}
