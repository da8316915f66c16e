package vmstate

import "testing"

func TestDetect_RunningStaleTakesPriority(t *testing.T) {
	got := Detect(Artifacts{}, Hypervisor{Running: true, Stale: true}, Cache{})
	if got != RunningStale {
		t.Fatalf("got %s, want running_stale", got)
	}
}

func TestDetect_Running(t *testing.T) {
	got := Detect(Artifacts{}, Hypervisor{Running: true}, Cache{})
	if got != Running {
		t.Fatalf("got %s, want running", got)
	}
}

func TestDetect_Provisioned(t *testing.T) {
	got := Detect(Artifacts{OverlayExists: true, MarkerExists: true}, Hypervisor{}, Cache{})
	if got != Provisioned {
		t.Fatalf("got %s, want provisioned", got)
	}
}

func TestDetect_PartialBoot(t *testing.T) {
	got := Detect(Artifacts{OverlayExists: true}, Hypervisor{DomainExists: true}, Cache{})
	if got != PartialBoot {
		t.Fatalf("got %s, want partial_boot", got)
	}
}

func TestDetect_PreparedFromOverlayOnly(t *testing.T) {
	got := Detect(Artifacts{OverlayExists: true}, Hypervisor{}, Cache{})
	if got != Prepared {
		t.Fatalf("got %s, want prepared", got)
	}
}

func TestDetect_PreparedFromDomainOnly(t *testing.T) {
	got := Detect(Artifacts{}, Hypervisor{DomainExists: true}, Cache{})
	if got != Prepared {
		t.Fatalf("got %s, want prepared", got)
	}
}

func TestDetect_ImageCached(t *testing.T) {
	got := Detect(Artifacts{}, Hypervisor{}, Cache{ImageCached: true})
	if got != ImageCached {
		t.Fatalf("got %s, want image_cached", got)
	}
}

func TestDetect_Virgin(t *testing.T) {
	got := Detect(Artifacts{}, Hypervisor{}, Cache{})
	if got != Virgin {
		t.Fatalf("got %s, want virgin", got)
	}
}

func TestDetect_IsPure(t *testing.T) {
	a := Artifacts{OverlayExists: true}
	h := Hypervisor{DomainExists: true}
	c := Cache{}
	first := Detect(a, h, c)
	second := Detect(a, h, c)
	if first != second {
		t.Fatalf("detect is not pure: %s != %s", first, second)
	}
}

func TestState_TerminalAndInteractiveWait(t *testing.T) {
	if !Virgin.IsTerminal() {
		t.Fatal("virgin should be terminal")
	}
	if Running.IsTerminal() {
		t.Fatal("running should not be terminal")
	}
	if !Running.IsInteractiveWait() || !RunningStale.IsInteractiveWait() {
		t.Fatal("running/running_stale should be interactive-wait states")
	}
	if Prepared.IsInteractiveWait() {
		t.Fatal("prepared should not be interactive-wait")
	}
}
