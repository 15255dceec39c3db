package probe

import (
	"testing"

	er "memgov/errors"
)

func TestScriptedReplaysAndSticks(t *testing.T) {
	p := NewScripted()
	p.Script("mod-a",
		RawUsage{UsedBytes: 1},
		RawUsage{UsedBytes: 2},
	)

	for _, want := range []uint64{1, 2, 2, 2} {
		got, err := p.Sample("mod-a")
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if got.UsedBytes != want {
			t.Errorf("used: got %d, want %d", got.UsedBytes, want)
		}
	}
}

func TestScriptedUnknownModule(t *testing.T) {
	p := NewScripted()
	if _, err := p.Sample("missing"); err != er.ProbeUnavailable {
		t.Errorf("error: got %v, want %v", err, er.ProbeUnavailable)
	}
}

func TestScriptedAppendKeepsCursor(t *testing.T) {
	p := NewScripted()
	p.Script("mod-a", RawUsage{UsedBytes: 1})
	if got, _ := p.Sample("mod-a"); got.UsedBytes != 1 {
		t.Fatalf("first sample: %d", got.UsedBytes)
	}

	p.Append("mod-a", RawUsage{UsedBytes: 5})
	if got, _ := p.Sample("mod-a"); got.UsedBytes != 5 {
		t.Errorf("appended sample: got %d, want 5", got.UsedBytes)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a := NewSynthetic(42)
	b := NewSynthetic(42)

	for i := 0; i < 20; i++ {
		ra, _ := a.Sample("mod-a")
		rb, _ := b.Sample("mod-a")
		if ra != rb {
			t.Fatalf("sample %d diverged: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestSyntheticLeakBiasGrows(t *testing.T) {
	p := NewSynthetic(42)
	p.LeakBias = 1 // every step goes up

	first, _ := p.Sample("mod-a")
	var last RawUsage
	for i := 0; i < 50; i++ {
		last, _ = p.Sample("mod-a")
	}
	if last.UsedBytes < first.UsedBytes {
		t.Errorf("biased walk shrank: %d -> %d", first.UsedBytes, last.UsedBytes)
	}
	if last.UsedBytes > last.AllocatedBytes {
		t.Errorf("used %d exceeds allocated %d", last.UsedBytes, last.AllocatedBytes)
	}
}
