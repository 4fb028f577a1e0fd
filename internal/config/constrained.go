package config

import "fmt"

// ConstrainedSetting bounds a numeric capability an extension may request.
//
// Special is an optional sentinel (for example 0 for "never unload") that
// bypasses the bounds when AllowSpecial is set. A denied sentinel outside
// [Min, Max] falls back to Default; inside the bounds it is an ordinary
// value, so a clamped result never turns into the default on a second
// Apply.
type ConstrainedSetting struct {
	Default      int64 `koanf:"default"`
	Min          int64 `koanf:"min"`
	Max          int64 `koanf:"max"`
	Special      int64 `koanf:"special"`
	HasSpecial   bool  `koanf:"has_special"`
	AllowSpecial bool  `koanf:"allow_special"`
}

// Apply returns the effective value for a requested value. Apply is
// idempotent: Apply(Apply(v)) == Apply(v).
func (c ConstrainedSetting) Apply(v int64) int64 {
	if c.HasSpecial && v == c.Special {
		if c.AllowSpecial {
			return v
		}
		if !c.inBounds(v) {
			return c.clamp(c.Default)
		}
	}
	return c.clamp(v)
}

func (c ConstrainedSetting) inBounds(v int64) bool {
	return v >= c.Min && v <= c.Max
}

func (c ConstrainedSetting) clamp(v int64) int64 {
	if v < c.Min {
		return c.Min
	}
	if v > c.Max {
		return c.Max
	}
	return v
}

// Resolve applies the setting to an optional request. A nil request yields
// the default. The warning is non-empty when the request was changed.
func (c ConstrainedSetting) Resolve(requested *int64) (int64, string) {
	if requested == nil {
		return c.Apply(c.Default), ""
	}
	v := c.Apply(*requested)
	if v == *requested {
		return v, ""
	}
	if c.HasSpecial && *requested == c.Special && !c.AllowSpecial {
		return v, fmt.Sprintf("requested value %d is not permitted, using %d", *requested, v)
	}
	return v, fmt.Sprintf("requested value %d outside [%d, %d], clamped to %d", *requested, c.Min, c.Max, v)
}

// Validate reports settings that cannot produce a sane effective value.
func (c ConstrainedSetting) Validate() error {
	if c.Min > c.Max {
		return fmt.Errorf("min %d greater than max %d", c.Min, c.Max)
	}
	if !c.inBounds(c.Default) {
		if !(c.HasSpecial && c.AllowSpecial && c.Default == c.Special) {
			return fmt.Errorf("default %d outside [%d, %d]", c.Default, c.Min, c.Max)
		}
	}
	if c.HasSpecial && !c.AllowSpecial && c.inBounds(c.Special) {
		return fmt.Errorf("denied special value %d lies inside [%d, %d]", c.Special, c.Min, c.Max)
	}
	return nil
}
