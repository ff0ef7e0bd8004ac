package timeseries

import "testing"

const second = int64(1_000_000_000)

func Test_values_excludes_samples_older_than_window(t *testing.T) {
	w := New(60 * second)
	w.Add(1, 0)
	w.Add(2, 10*second)

	got := w.Values(65 * second)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only the second sample to survive, got %v", got)
	}
}

func Test_add_then_read_after_window_elapses_drops_value(t *testing.T) {
	w := New(5 * second)
	w.Add(42, 0)

	if got := w.Values(4 * second); len(got) != 1 {
		t.Fatalf("expected sample still present just before window elapses, got %v", got)
	}
	if got := w.Values(5 * second); len(got) != 0 {
		t.Fatalf("expected sample pruned once window elapses, got %v", got)
	}
}

func Test_count_and_sum(t *testing.T) {
	w := New(60 * second)
	w.Add(3, 0)
	w.Add(4, 0)
	w.Add(5, 0)

	if n := w.Count(0); n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
	if s := w.Sum(0); s != 12 {
		t.Errorf("expected sum 12, got %v", s)
	}
}
