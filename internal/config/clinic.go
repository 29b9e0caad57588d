package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig describes one bookable service type.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	DurationMin int    `yaml:"duration_minutes"`
	Price       string `yaml:"price,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// HoursConfig is one weekday's opening window. Empty means closed.
type HoursConfig struct {
	Open  string `yaml:"open,omitempty"`  // "08:00"
	Close string `yaml:"close,omitempty"` // "18:00"
}

// ClosedRangeConfig is an inclusive date range the clinic is closed.
type ClosedRangeConfig struct {
	From   string `yaml:"from"` // "2025-12-24"
	To     string `yaml:"to"`   // "2026-01-02"
	Reason string `yaml:"reason,omitempty"`
}

// ClinicConfig is the root configuration for clinic.yaml. It carries the
// catalog, the weekly schedule and the closed-date list, and is swapped
// atomically on reload.
type ClinicConfig struct {
	Name         string                 `yaml:"name"`
	Address      string                 `yaml:"address"`
	Phone        string                 `yaml:"phone"`
	Services     []ServiceConfig        `yaml:"services"`
	Insurance    []string               `yaml:"insurance_plans"`
	WeeklyHours  map[string]HoursConfig `yaml:"weekly_hours"` // keys mon..sun
	ClosedRanges []ClosedRangeConfig    `yaml:"closed_ranges"`
}

var weekdayKeys = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// LoadClinicConfig loads and validates clinic configuration from a YAML file.
func LoadClinicConfig(path string) (*ClinicConfig, error) {
	if path == "" {
		path = "configs/clinic.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clinic config: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg ClinicConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse clinic config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate clinic config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *ClinicConfig) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("no services defined")
	}
	names := make(map[string]bool)
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("service[%d]: duplicate name '%s'", i, s.Name)
		}
		names[s.Name] = true
		if s.DurationMin <= 0 {
			return fmt.Errorf("service[%d]: duration_minutes must be positive", i)
		}
	}

	for key, h := range c.WeeklyHours {
		if !validWeekdayKey(key) {
			return fmt.Errorf("weekly_hours: unknown weekday '%s', expected mon..sun", key)
		}
		if h.Open == "" && h.Close == "" {
			continue // closed all day
		}
		open, err := time.Parse("15:04", h.Open)
		if err != nil {
			return fmt.Errorf("weekly_hours.%s.open: invalid format '%s', expected HH:MM", key, h.Open)
		}
		close, err := time.Parse("15:04", h.Close)
		if err != nil {
			return fmt.Errorf("weekly_hours.%s.close: invalid format '%s', expected HH:MM", key, h.Close)
		}
		if !close.After(open) {
			return fmt.Errorf("weekly_hours.%s: close must be after open", key)
		}
	}

	for i, r := range c.ClosedRanges {
		from, err := time.Parse("2006-01-02", r.From)
		if err != nil {
			return fmt.Errorf("closed_ranges[%d].from: invalid date '%s', expected YYYY-MM-DD", i, r.From)
		}
		to, err := time.Parse("2006-01-02", r.To)
		if err != nil {
			return fmt.Errorf("closed_ranges[%d].to: invalid date '%s', expected YYYY-MM-DD", i, r.To)
		}
		if to.Before(from) {
			return fmt.Errorf("closed_ranges[%d]: to must not precede from", i)
		}
	}
	return nil
}

func validWeekdayKey(key string) bool {
	for _, k := range weekdayKeys {
		if k == key {
			return true
		}
	}
	return false
}

// HoursFor returns the opening window for a weekday. ok is false when the
// clinic is closed that day.
func (c *ClinicConfig) HoursFor(day time.Weekday) (HoursConfig, bool) {
	h, found := c.WeeklyHours[weekdayKeys[int(day)]]
	if !found || h.Open == "" || h.Close == "" {
		return HoursConfig{}, false
	}
	return h, true
}

// IsClosedDate checks the closed-range list for a date.
func (c *ClinicConfig) IsClosedDate(date time.Time) (bool, string) {
	d := date.Format("2006-01-02")
	for _, r := range c.ClosedRanges {
		if d >= r.From && d <= r.To {
			return true, r.Reason
		}
	}
	return false, ""
}

// ServiceByName returns the service config for a name.
func (c *ClinicConfig) ServiceByName(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// HasInsurancePlan reports whether the clinic accepts a plan.
func (c *ClinicConfig) HasInsurancePlan(plan string) bool {
	for _, p := range c.Insurance {
		if p == plan {
			return true
		}
	}
	return false
}

// String returns a summary of the configuration.
func (c *ClinicConfig) String() string {
	return fmt.Sprintf("ClinicConfig: %s, %d services, %d plans, %d closed ranges",
		c.Name, len(c.Services), len(c.Insurance), len(c.ClosedRanges))
}

// ClinicProvider hands out the current clinic configuration. Readers always
// see a fully formed version; Swap replaces it atomically without dropping
// in-flight sessions.
type ClinicProvider struct {
	current atomic.Pointer[ClinicConfig]
	version atomic.Int64
	path    string
}

// NewClinicProvider loads the initial configuration from path.
func NewClinicProvider(path string) (*ClinicProvider, error) {
	cfg, err := LoadClinicConfig(path)
	if err != nil {
		return nil, err
	}
	p := &ClinicProvider{path: path}
	p.current.Store(cfg)
	p.version.Store(1)
	return p, nil
}

// Current returns the active configuration version.
func (p *ClinicProvider) Current() *ClinicConfig {
	return p.current.Load()
}

// Version returns a counter incremented on every swap.
func (p *ClinicProvider) Version() int64 {
	return p.version.Load()
}

// Swap installs a new configuration.
func (p *ClinicProvider) Swap(cfg *ClinicConfig) {
	p.current.Store(cfg)
	p.version.Add(1)
}

// Reload re-reads the file and swaps the result in on success.
func (p *ClinicProvider) Reload() error {
	cfg, err := LoadClinicConfig(p.path)
	if err != nil {
		return err
	}
	p.Swap(cfg)
	return nil
}
