package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassificationRoundTrip(t *testing.T) {
	base := errors.New("boom")

	p := Permanent(base)
	if !IsPermanent(p) || IsTransient(p) {
		t.Error("Permanent not classified as permanent")
	}
	if !errors.Is(p, base) {
		t.Error("Permanent lost the cause")
	}

	tr := Transient(base)
	if !IsTransient(tr) || IsPermanent(tr) {
		t.Error("Transient not classified as transient")
	}
	if !errors.Is(tr, base) {
		t.Error("Transient lost the cause")
	}
}

func TestUnclassifiedDefaultsToTransient(t *testing.T) {
	if !IsTransient(errors.New("mystery")) {
		t.Error("unclassified errors must be retryable")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Permanentf("bad market config")
	wrapped := fmt.Errorf("resolve 0xabc: %w", inner)
	if !IsPermanent(wrapped) {
		t.Error("wrapping hid the permanent classification")
	}

	doubleWrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", Transientf("rpc flake")))
	if IsPermanent(doubleWrapped) {
		t.Error("transient became permanent through wrapping")
	}
}
