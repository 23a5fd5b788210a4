package router

import "testing"

func TestAlignDown(t *testing.T) {
	stepMs, ok := intervalMillis("60")
	if !ok {
		t.Fatal("expected interval 60 to resolve")
	}
	// 1704067200000 is already hour-aligned; +90s should floor back to it.
	aligned := alignDown(1704067200000+90_000, stepMs)
	if aligned != 1704067200000 {
		t.Fatalf("expected alignment to floor to the hour boundary, got %d", aligned)
	}
}

func TestIntervalMillisUnknown(t *testing.T) {
	if _, ok := intervalMillis("not-a-real-interval"); ok {
		t.Fatal("expected unknown interval to report not-ok")
	}
}

func TestIntervalMillisDayWeekMonth(t *testing.T) {
	day, _ := intervalMillis("1D")
	week, _ := intervalMillis("1W")
	month, _ := intervalMillis("1M")
	if week != 7*day {
		t.Fatalf("expected 1W to be 7 days, got %d vs day=%d", week, day)
	}
	if month != 30*day {
		t.Fatalf("expected 1M to be 30 days, got %d vs day=%d", month, day)
	}
}
