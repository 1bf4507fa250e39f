package backpressure

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	return cfg
}

func TestController_Levels(t *testing.T) {
	usage := 0.0
	c := New(testConfig(), func() float64 { return usage })

	cases := []struct {
		usage float64
		want  Level
	}{
		{0.0, LevelNormal},
		{0.49, LevelNormal},
		{0.50, LevelWarning},
		{0.75, LevelCritical},
		{0.90, LevelEmergency},
		{0.99, LevelEmergency},
	}
	for _, tc := range cases {
		usage = tc.usage
		if got := c.Check(); got != tc.want {
			t.Errorf("usage %.2f: got %s, want %s", tc.usage, got, tc.want)
		}
	}

	if !c.ShouldReject() {
		t.Errorf("emergency level should reject ingest")
	}
}

func TestController_Hysteresis(t *testing.T) {
	usage := 0.95
	c := New(testConfig(), func() float64 { return usage })

	if got := c.Check(); got != LevelEmergency {
		t.Fatalf("got %s, want emergency", got)
	}

	// Just under the threshold: hysteresis holds the level.
	usage = 0.88
	if got := c.Check(); got != LevelEmergency {
		t.Errorf("got %s, want emergency held by hysteresis", got)
	}

	// Clearing the margin steps down one level at a time.
	usage = 0.80
	if got := c.Check(); got != LevelCritical {
		t.Errorf("got %s, want critical", got)
	}
	usage = 0.60
	if got := c.Check(); got != LevelWarning {
		t.Errorf("got %s, want warning", got)
	}
	usage = 0.10
	if got := c.Check(); got != LevelNormal {
		t.Errorf("got %s, want normal", got)
	}
}

func TestController_Cooldown(t *testing.T) {
	usage := 0.0
	cfg := DefaultConfig()
	cfg.Cooldown = time.Hour
	c := New(cfg, func() float64 { return usage })

	c.Check()
	usage = 0.99
	if got := c.Check(); got != LevelNormal {
		t.Errorf("check within cooldown should not re-evaluate, got %s", got)
	}
}

func TestController_LevelChangeCallback(t *testing.T) {
	usage := 0.0
	c := New(testConfig(), func() float64 { return usage })

	var transitions [][2]Level
	c.SetOnLevelChange(func(old, new Level) {
		transitions = append(transitions, [2]Level{old, new})
	})

	usage = 0.95
	c.Check()
	usage = 0.0
	c.Check() // emergency -> critical
	c.Check() // critical -> warning

	want := [][2]Level{
		{LevelNormal, LevelEmergency},
		{LevelEmergency, LevelCritical},
		{LevelCritical, LevelWarning},
	}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(transitions), len(want))
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, transitions[i], want[i])
		}
	}

	if c.Stats().LevelChanges != 3 {
		t.Errorf("expected 3 level changes, got %d", c.Stats().LevelChanges)
	}
}
