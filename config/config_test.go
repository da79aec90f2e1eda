package config

import "testing"

func validConfig() *RunConfig {
	return &RunConfig{
		DatasetPath:     "/tmp/ds",
		RunArch:         A0,
		SampleType:      KhopReservoir,
		Fanout:          []uint32{5, 10},
		BatchSize:       8192,
		NumEpoch:        10,
		SamplerCtx:      0,
		TrainerCtx:      0,
		CachePolicy:     CacheNone,
		CachePercentage: 0,
		MaxSamplingJobs: 10,
		MaxCopyingJobs:  10,
	}
}

func Test_Validate_GoodConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func Test_Validate_RejectsBadArch(t *testing.T) {
	c := validConfig()
	c.RunArch = "A99"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for bad run_arch")
	}
}

func Test_Validate_RejectsEmptyFanout(t *testing.T) {
	c := validConfig()
	c.Fanout = nil
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for empty fanout")
	}
}

func Test_Validate_RejectsCachePercentageOutOfRange(t *testing.T) {
	c := validConfig()
	c.CachePercentage = 1.5
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range cache_percentage")
	}
}

func Test_Validate_RejectsA0WithMismatchedCtx(t *testing.T) {
	c := validConfig()
	c.TrainerCtx = 1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for A0 with sampler_ctx != trainer_ctx")
	}
}

func Test_Validate_RandomWalkRequiresSubConfig(t *testing.T) {
	c := validConfig()
	c.SampleType = RandomWalk
	c.RandomWalk = RandomWalkConfig{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for zeroed random_walk sub-config")
	}
}

func Test_ParseFanout(t *testing.T) {
	got, err := parseFanout("5,10,15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint32{5, 10, 15}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func Test_ParseFanout_RejectsEmpty(t *testing.T) {
	if _, err := parseFanout(""); err == nil {
		t.Fatalf("expected error for empty fanout string")
	}
}
