package audio

import "testing"

func TestAcquireReturnsRequestedLength(t *testing.T) {
	buf := AcquireInt16(320)
	if len(buf) != 320 {
		t.Fatalf("len=%d, want 320", len(buf))
	}
	ReleaseInt16(buf)

	again := AcquireInt16(160)
	if len(again) != 160 {
		t.Fatalf("len=%d, want 160", len(again))
	}
	ReleaseInt16(again)

	if got := AcquireFloat32(0); got != nil {
		t.Fatalf("AcquireFloat32(0)=%v, want nil", got)
	}
	f := AcquireFloat32(48)
	if len(f) != 48 {
		t.Fatalf("len=%d, want 48", len(f))
	}
	ReleaseFloat32(f)
	ReleaseFloat32(nil)
}
