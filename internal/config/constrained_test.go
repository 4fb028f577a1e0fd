package config

import (
	"strings"
	"testing"
)

func TestConstrainedApplyClamps(t *testing.T) {
	s := ConstrainedSetting{Default: 100, Min: 16, Max: 10000}

	tests := []struct {
		in, want int64
	}{
		{100, 100},
		{16, 16},
		{10000, 10000},
		{1, 16},
		{-5, 16},
		{50000, 10000},
	}
	for _, tt := range tests {
		if got := s.Apply(tt.in); got != tt.want {
			t.Errorf("Apply(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestConstrainedApplyIdempotent(t *testing.T) {
	settings := []ConstrainedSetting{
		{Default: 100, Min: 16, Max: 10000},
		{Default: 300, Min: 30, Max: 86400, Special: 0, HasSpecial: true, AllowSpecial: true},
		{Default: 300, Min: 30, Max: 86400, Special: 0, HasSpecial: true, AllowSpecial: false},
		{Default: 3, Min: 1, Max: 10, Special: 5, HasSpecial: true, AllowSpecial: false},
		{Default: 5, Min: 1, Max: 10, Special: 1, HasSpecial: true, AllowSpecial: false},
		{Default: 5, Min: 1, Max: 10, Special: 10, HasSpecial: true, AllowSpecial: false},
	}

	for i, s := range settings {
		for v := int64(-100); v <= 100000; v += 37 {
			once := s.Apply(v)
			if twice := s.Apply(once); twice != once {
				t.Errorf("setting %d: Apply(Apply(%d)) = %d, want %d", i, v, twice, once)
			}
			isSpecial := s.HasSpecial && s.AllowSpecial && once == s.Special
			if !isSpecial && (once < s.Min || once > s.Max) {
				t.Errorf("setting %d: Apply(%d) = %d outside [%d, %d]", i, v, once, s.Min, s.Max)
			}
		}
	}
}

func TestConstrainedSpecial(t *testing.T) {
	allowed := ConstrainedSetting{Default: 300, Min: 30, Max: 86400, Special: 0, HasSpecial: true, AllowSpecial: true}
	if got := allowed.Apply(0); got != 0 {
		t.Errorf("allowed special: Apply(0) = %d, want 0", got)
	}

	denied := allowed
	denied.AllowSpecial = false
	if got := denied.Apply(0); got != 300 {
		t.Errorf("denied special: Apply(0) = %d, want default 300", got)
	}
}

func TestConstrainedResolve(t *testing.T) {
	s := ConstrainedSetting{Default: 100, Min: 16, Max: 10000}

	v, warn := s.Resolve(nil)
	if v != 100 || warn != "" {
		t.Errorf("Resolve(nil) = (%d, %q), want (100, \"\")", v, warn)
	}

	req := int64(250)
	v, warn = s.Resolve(&req)
	if v != 250 || warn != "" {
		t.Errorf("Resolve(250) = (%d, %q), want (250, \"\")", v, warn)
	}

	req = 5
	v, warn = s.Resolve(&req)
	if v != 16 {
		t.Errorf("Resolve(5) value = %d, want 16", v)
	}
	if !strings.Contains(warn, "clamped") {
		t.Errorf("Resolve(5) warning = %q, want clamp warning", warn)
	}
}

func TestConstrainedValidate(t *testing.T) {
	if err := (ConstrainedSetting{Default: 5, Min: 1, Max: 10}).Validate(); err != nil {
		t.Errorf("valid setting rejected: %v", err)
	}
	if err := (ConstrainedSetting{Default: 50, Min: 1, Max: 10}).Validate(); err == nil {
		t.Error("default outside bounds accepted")
	}
	if err := (ConstrainedSetting{Default: 5, Min: 10, Max: 1}).Validate(); err == nil {
		t.Error("inverted bounds accepted")
	}
	neverDefault := ConstrainedSetting{Default: 0, Min: 30, Max: 100, Special: 0, HasSpecial: true, AllowSpecial: true}
	if err := neverDefault.Validate(); err != nil {
		t.Errorf("allowed special default rejected: %v", err)
	}
	deniedAtMin := ConstrainedSetting{Default: 5, Min: 1, Max: 10, Special: 1, HasSpecial: true}
	if err := deniedAtMin.Validate(); err == nil {
		t.Error("denied special inside the bounds accepted")
	}
	deniedOutside := ConstrainedSetting{Default: 5, Min: 1, Max: 10, Special: -1, HasSpecial: true}
	if err := deniedOutside.Validate(); err != nil {
		t.Errorf("denied special outside the bounds rejected: %v", err)
	}
}

func TestConstrainedDeniedSpecialAtBound(t *testing.T) {
	s := ConstrainedSetting{Default: 5, Min: 1, Max: 10, Special: 1, HasSpecial: true}
	once := s.Apply(-3)
	if once != 1 {
		t.Fatalf("Apply(-3) = %d, want 1", once)
	}
	if twice := s.Apply(once); twice != once {
		t.Errorf("Apply(%d) = %d, want %d", once, twice, once)
	}
}
