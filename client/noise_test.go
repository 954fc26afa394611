package main

import "testing"

func TestNoiseCancellerDisabledIsNoop(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()

	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = float32(i) / float32(FrameSize)
	}
	original := append([]float32(nil), buf...)

	nc.SetEnabled(false)
	nc.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v (disabled should be a no-op)", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerZeroLevelIsNoop(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()

	buf := make([]float32, FrameSize)
	for i := range buf {
		buf[i] = float32(i) / float32(FrameSize)
	}
	original := append([]float32(nil), buf...)

	nc.SetEnabled(true)
	nc.SetLevel(0)
	nc.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v (level 0 should be a no-op)", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerSetLevelClamps(t *testing.T) {
	nc := NewNoiseCanceller()
	defer nc.Destroy()

	nc.SetLevel(2.0)
	if nc.level != 1.0 {
		t.Errorf("level above 1 should clamp to 1.0, got %v", nc.level)
	}
	nc.SetLevel(-1.0)
	if nc.level != 0.0 {
		t.Errorf("level below 0 should clamp to 0.0, got %v", nc.level)
	}
}

func TestNoiseCancellerDestroyIsSafeToCallOnce(t *testing.T) {
	nc := NewNoiseCanceller()
	nc.Destroy()
	if nc.st0 != nil || nc.st1 != nil || nc.cIn != nil || nc.cOut != nil {
		t.Error("Destroy should clear all native handles")
	}
}
