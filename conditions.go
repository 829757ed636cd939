package pbac

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Built-in condition identifiers.
const (
	ConditionBusinessHours = "business-hours"
	ConditionVPNRequired   = "vpn-required"
)

// Condition is a named contextual predicate a policy can depend on.
type Condition interface {
	Evaluate(ctx RequestContext, now time.Time) bool
	Describe() string
}

// ConditionFunc adapts a plain function to the Condition interface.
type ConditionFunc func(ctx RequestContext, now time.Time) bool

func (f ConditionFunc) Evaluate(ctx RequestContext, now time.Time) bool { return f(ctx, now) }
func (f ConditionFunc) Describe() string                                { return "custom condition" }

// ConditionRegistry resolves condition ids. Unknown ids evaluate to false.
type ConditionRegistry struct {
	mu         sync.RWMutex
	conditions map[string]Condition
}

// NewConditionRegistry returns a registry with the built-in conditions wired from cfg.
// Built-ins are always registered; with an empty config they never hold.
func NewConditionRegistry(cfg ConditionsConfig) (*ConditionRegistry, error) {
	r := &ConditionRegistry{conditions: make(map[string]Condition)}

	window, err := cfg.BusinessHours.build()
	if err != nil {
		return nil, err
	}
	r.Register(ConditionBusinessHours, window)

	network, err := cfg.VPN.build()
	if err != nil {
		return nil, err
	}
	r.Register(ConditionVPNRequired, network)

	for _, c := range cfg.Attributes {
		if c.ID == "" || c.Key == "" {
			return nil, NewValidationError("conditions.attributes", "id and key are required")
		}
		r.Register(c.ID, &AttributeEqualsCondition{Key: c.Key, Value: c.Value})
	}
	return r, nil
}

// Configure rebuilds the conditions described by cfg and swaps them in.
// Conditions registered in code under other ids are kept. On error nothing changes.
func (r *ConditionRegistry) Configure(cfg ConditionsConfig) error {
	fresh, err := NewConditionRegistry(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range fresh.conditions {
		r.conditions[id] = c
	}
	return nil
}

// NewEmptyConditionRegistry returns a registry with nothing registered.
func NewEmptyConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{conditions: make(map[string]Condition)}
}

// Register adds or replaces the condition under id.
func (r *ConditionRegistry) Register(id string, c Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		delete(r.conditions, id)
		return
	}
	r.conditions[id] = c
}

// Evaluate reports whether condition id holds. It never panics and never errors:
// an unknown id, a nil registry or a panicking condition all yield false.
func (r *ConditionRegistry) Evaluate(id string, ctx RequestContext, now time.Time) (ok bool) {
	if r == nil {
		return false
	}
	r.mu.RLock()
	c, found := r.conditions[id]
	r.mu.RUnlock()
	if !found {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.Evaluate(ctx, now)
}

// Has reports whether id is registered.
func (r *ConditionRegistry) Has(id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conditions[id]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *ConditionRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.conditions))
	for id := range r.conditions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Describe returns a human readable description of id, or "" when unknown.
func (r *ConditionRegistry) Describe(id string) string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conditions[id]; ok {
		return c.Describe()
	}
	return ""
}

// ============================================================================
// TIME WINDOW
// ============================================================================

// TimeWindowCondition holds when the request time falls on one of Days within
// [Start, End). End before Start describes a window crossing midnight, which is
// attributed to the day it starts on.
type TimeWindowCondition struct {
	Days     []time.Weekday
	Start    time.Duration // offset from midnight
	End      time.Duration
	Location *time.Location
}

func (c *TimeWindowCondition) Evaluate(ctx RequestContext, now time.Time) bool {
	if c == nil || len(c.Days) == 0 || c.Start == c.End {
		return false
	}
	at := ctx.Time
	if at.IsZero() {
		at = now
	}
	if c.Location != nil {
		at = at.In(c.Location)
	}
	offset := time.Duration(at.Hour())*time.Hour + time.Duration(at.Minute())*time.Minute +
		time.Duration(at.Second())*time.Second + time.Duration(at.Nanosecond())
	if c.Start < c.End {
		return c.hasDay(at.Weekday()) && offset >= c.Start && offset < c.End
	}
	if offset >= c.Start {
		return c.hasDay(at.Weekday())
	}
	if offset < c.End {
		return c.hasDay((at.Weekday() + 6) % 7)
	}
	return false
}

func (c *TimeWindowCondition) hasDay(d time.Weekday) bool {
	for _, day := range c.Days {
		if day == d {
			return true
		}
	}
	return false
}

func (c *TimeWindowCondition) Describe() string {
	if c == nil || len(c.Days) == 0 {
		return "time window (unconfigured)"
	}
	days := make([]string, 0, len(c.Days))
	for _, d := range c.Days {
		days = append(days, strings.ToLower(d.String()[:3]))
	}
	loc := "UTC"
	if c.Location != nil {
		loc = c.Location.String()
	}
	return fmt.Sprintf("time window %s %s-%s %s", strings.Join(days, ","), formatClock(c.Start), formatClock(c.End), loc)
}

// ============================================================================
// NETWORK
// ============================================================================

// NetworkCondition holds when the source address lies in an approved range or
// the request declares an approved network label.
type NetworkCondition struct {
	CIDRs    []*net.IPNet
	Networks []string
}

func (c *NetworkCondition) Evaluate(ctx RequestContext, _ time.Time) bool {
	if c == nil {
		return false
	}
	if ctx.Network != "" {
		for _, n := range c.Networks {
			if n == ctx.Network {
				return true
			}
		}
	}
	if ctx.SourceIP == "" || len(c.CIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(stripPort(ctx.SourceIP))
	if ip == nil {
		return false
	}
	for _, block := range c.CIDRs {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *NetworkCondition) Describe() string {
	if c == nil || (len(c.CIDRs) == 0 && len(c.Networks) == 0) {
		return "network (unconfigured)"
	}
	parts := make([]string, 0, len(c.CIDRs)+len(c.Networks))
	for _, b := range c.CIDRs {
		parts = append(parts, b.String())
	}
	parts = append(parts, c.Networks...)
	return "network in " + strings.Join(parts, ",")
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// ============================================================================
// ATTRIBUTE
// ============================================================================

// AttributeEqualsCondition holds when the request attribute Key stringifies to Value.
type AttributeEqualsCondition struct {
	Key   string
	Value string
}

func (c *AttributeEqualsCondition) Evaluate(ctx RequestContext, _ time.Time) bool {
	if c == nil || ctx.Attributes == nil {
		return false
	}
	v, ok := ctx.Attributes[c.Key]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == c.Value
}

func (c *AttributeEqualsCondition) Describe() string {
	return fmt.Sprintf("attribute %s == %q", c.Key, c.Value)
}

// ============================================================================
// CONFIG
// ============================================================================

// ConditionsConfig configures the built-in conditions and custom attribute checks.
type ConditionsConfig struct {
	BusinessHours TimeWindowConfig  `json:"business_hours" yaml:"business_hours" mapstructure:"business_hours"`
	VPN           NetworkConfig     `json:"vpn_required" yaml:"vpn_required" mapstructure:"vpn_required"`
	Attributes    []AttributeConfig `json:"attributes,omitempty" yaml:"attributes,omitempty" mapstructure:"attributes"`
}

// IsZero reports whether nothing was configured.
func (c ConditionsConfig) IsZero() bool {
	return c.BusinessHours.IsZero() && c.VPN.IsZero() && len(c.Attributes) == 0
}

// TimeWindowConfig is the textual form of a TimeWindowCondition.
type TimeWindowConfig struct {
	Days     []string `json:"days,omitempty" yaml:"days,omitempty" mapstructure:"days"` // "mon", "mon-fri"
	Start    string   `json:"start,omitempty" yaml:"start,omitempty" mapstructure:"start"`
	End      string   `json:"end,omitempty" yaml:"end,omitempty" mapstructure:"end"`
	Timezone string   `json:"timezone,omitempty" yaml:"timezone,omitempty" mapstructure:"timezone"`
}

// IsZero reports whether no window was configured.
func (c TimeWindowConfig) IsZero() bool {
	return len(c.Days) == 0 && c.Start == "" && c.End == "" && c.Timezone == ""
}

func (c TimeWindowConfig) build() (*TimeWindowCondition, error) {
	if c.IsZero() {
		return &TimeWindowCondition{}, nil
	}
	days, err := ParseWeekdays(c.Days)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		days, _ = ParseWeekdays([]string{"sun-sat"})
	}
	start, err := ParseClock(c.Start)
	if err != nil {
		return nil, &ValidationError{Field: "business_hours.start", Message: err.Error()}
	}
	end, err := ParseClock(c.End)
	if err != nil {
		return nil, &ValidationError{Field: "business_hours.end", Message: err.Error()}
	}
	loc := time.UTC
	if c.Timezone != "" {
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, &ValidationError{Field: "business_hours.timezone", Message: err.Error()}
		}
	}
	return &TimeWindowCondition{Days: days, Start: start, End: end, Location: loc}, nil
}

// NetworkConfig is the textual form of a NetworkCondition.
type NetworkConfig struct {
	CIDRs    []string `json:"cidrs,omitempty" yaml:"cidrs,omitempty" mapstructure:"cidrs"`
	Networks []string `json:"networks,omitempty" yaml:"networks,omitempty" mapstructure:"networks"`
}

// IsZero reports whether no ranges or labels were configured.
func (c NetworkConfig) IsZero() bool {
	return len(c.CIDRs) == 0 && len(c.Networks) == 0
}

func (c NetworkConfig) build() (*NetworkCondition, error) {
	out := &NetworkCondition{Networks: cloneStrings(c.Networks)}
	for _, raw := range c.CIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, &ValidationError{Field: "vpn_required.cidrs", Message: "invalid address " + raw}
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			raw = fmt.Sprintf("%s/%d", raw, bits)
		}
		_, block, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, &ValidationError{Field: "vpn_required.cidrs", Message: err.Error()}
		}
		out.CIDRs = append(out.CIDRs, block)
	}
	return out, nil
}

// AttributeConfig registers an AttributeEqualsCondition under ID.
type AttributeConfig struct {
	ID    string `json:"id" yaml:"id" mapstructure:"id"`
	Key   string `json:"key" yaml:"key" mapstructure:"key"`
	Value string `json:"value" yaml:"value" mapstructure:"value"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays accepts day names ("mon") and ranges ("mon-fri", "fri-mon").
func ParseWeekdays(specs []string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	var out []time.Weekday
	add := func(d time.Weekday) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			from, to, isRange := strings.Cut(part, "-")
			start, ok := lookupWeekday(from)
			if !ok {
				return nil, &ValidationError{Field: "business_hours.days", Message: "unknown day " + from}
			}
			if !isRange {
				add(start)
				continue
			}
			end, ok := lookupWeekday(to)
			if !ok {
				return nil, &ValidationError{Field: "business_hours.days", Message: "unknown day " + to}
			}
			for d := start; ; d = (d + 1) % 7 {
				add(d)
				if d == end {
					break
				}
			}
		}
	}
	return out, nil
}

func lookupWeekday(s string) (time.Weekday, bool) {
	if len(s) >= 3 {
		s = s[:3]
	}
	d, ok := weekdayNames[s]
	return d, ok
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight. "24:00" is allowed.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * time.Hour, nil
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid clock time %q", s)
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
