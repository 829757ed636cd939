package pbac

import (
	"fmt"
	"strconv"
	"strings"
)

// DSL Syntax:
// version <n>
// policy <name> <effect> <resources> <actions> [conditions:<ids>] [roles:<roles>] [status:<status>] ["description"]
// user <id> <email|-> <roles|-> [status:<status>] ["display name"]
// condition business-hours [days=<spec>] [start=HH:MM] [end=HH:MM] [tz=<zone>]
// condition vpn-required [cidrs=<list>] [networks=<list>]
// condition attribute <id> key=<key> value=<value>
// engine <key>=<value>...
//
// Lists are comma separated. Tokens containing spaces are double quoted.

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]
	var tmp [20]byte

	if cfg.Version > 0 {
		e.buf = append(e.buf, "version "...)
		e.buf = append(e.buf, strconv.AppendUint(tmp[:0], uint64(cfg.Version), 10)...)
		e.buf = append(e.buf, '\n')
	}

	for i, p := range cfg.Policies {
		if p.Name == "" || strings.ContainsRune(p.Name, '"') {
			return nil, fmt.Errorf("policies[%d]: name %q cannot be encoded", i, p.Name)
		}
		e.buf = append(e.buf, "policy "...)
		e.appendWord(p.Name)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, p.Effect...)
		e.buf = append(e.buf, ' ')
		e.appendList(p.Resources)
		e.buf = append(e.buf, ' ')
		e.appendList(p.Actions)
		if len(p.Conditions) > 0 {
			e.buf = append(e.buf, " conditions:"...)
			e.appendList(p.Conditions)
		}
		if len(p.Roles) > 0 {
			e.buf = append(e.buf, " roles:"...)
			e.appendList(p.Roles)
		}
		if p.Status != "" {
			e.buf = append(e.buf, " status:"...)
			e.buf = append(e.buf, p.Status...)
		}
		if p.Description != "" {
			if strings.ContainsRune(p.Description, '"') {
				return nil, fmt.Errorf("policies[%d]: description must not contain '\"'", i)
			}
			e.buf = append(e.buf, " \""...)
			e.buf = append(e.buf, p.Description...)
			e.buf = append(e.buf, '"')
		}
		e.buf = append(e.buf, '\n')
	}

	for i, u := range cfg.Users {
		if u.ID == "" || strings.ContainsAny(u.ID, " \t\"") {
			return nil, fmt.Errorf("users[%d]: id %q cannot be encoded", i, u.ID)
		}
		e.buf = append(e.buf, "user "...)
		e.buf = append(e.buf, u.ID...)
		e.buf = append(e.buf, ' ')
		if u.Email == "" {
			e.buf = append(e.buf, '-')
		} else {
			e.buf = append(e.buf, u.Email...)
		}
		e.buf = append(e.buf, ' ')
		if len(u.Roles) == 0 {
			e.buf = append(e.buf, '-')
		} else {
			e.appendList(u.Roles)
		}
		if u.Status != "" {
			e.buf = append(e.buf, " status:"...)
			e.buf = append(e.buf, u.Status...)
		}
		if u.Name != "" {
			if strings.ContainsRune(u.Name, '"') {
				return nil, fmt.Errorf("users[%d]: name must not contain '\"'", i)
			}
			e.buf = append(e.buf, " \""...)
			e.buf = append(e.buf, u.Name...)
			e.buf = append(e.buf, '"')
		}
		e.buf = append(e.buf, '\n')
	}

	bh := cfg.Conditions.BusinessHours
	if !bh.IsZero() {
		e.buf = append(e.buf, "condition "...)
		e.buf = append(e.buf, ConditionBusinessHours...)
		if len(bh.Days) > 0 {
			e.buf = append(e.buf, " days="...)
			e.appendList(bh.Days)
		}
		e.appendKV("start", bh.Start)
		e.appendKV("end", bh.End)
		e.appendKV("tz", bh.Timezone)
		e.buf = append(e.buf, '\n')
	}
	vpn := cfg.Conditions.VPN
	if !vpn.IsZero() {
		e.buf = append(e.buf, "condition "...)
		e.buf = append(e.buf, ConditionVPNRequired...)
		if len(vpn.CIDRs) > 0 {
			e.buf = append(e.buf, " cidrs="...)
			e.appendList(vpn.CIDRs)
		}
		if len(vpn.Networks) > 0 {
			e.buf = append(e.buf, " networks="...)
			e.appendList(vpn.Networks)
		}
		e.buf = append(e.buf, '\n')
	}
	for i, a := range cfg.Conditions.Attributes {
		if strings.ContainsAny(a.ID+a.Key+a.Value, " \t\"") {
			return nil, fmt.Errorf("conditions.attributes[%d]: values must not contain spaces or quotes", i)
		}
		e.buf = append(e.buf, "condition attribute "...)
		e.buf = append(e.buf, a.ID...)
		e.appendKV("key", a.Key)
		e.buf = append(e.buf, " value="...)
		e.buf = append(e.buf, a.Value...)
		e.buf = append(e.buf, '\n')
	}

	eng := cfg.Engine
	if eng.CacheSize > 0 || eng.CacheTTLMillis > 0 || eng.BatchWorkers > 0 {
		e.buf = append(e.buf, "engine"...)
		if eng.CacheSize > 0 {
			e.buf = append(e.buf, " cache_size="...)
			e.buf = append(e.buf, strconv.AppendInt(tmp[:0], eng.CacheSize, 10)...)
		}
		if eng.CacheTTLMillis > 0 {
			e.buf = append(e.buf, " cache_ttl_ms="...)
			e.buf = append(e.buf, strconv.AppendInt(tmp[:0], eng.CacheTTLMillis, 10)...)
		}
		if eng.BatchWorkers > 0 {
			e.buf = append(e.buf, " batch_workers="...)
			e.buf = append(e.buf, strconv.AppendInt(tmp[:0], int64(eng.BatchWorkers), 10)...)
		}
		e.buf = append(e.buf, '\n')
	}

	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

func (e *DSLEncoder) appendWord(s string) {
	if s == "" || strings.ContainsAny(s, " \t") {
		e.buf = append(e.buf, '"')
		e.buf = append(e.buf, s...)
		e.buf = append(e.buf, '"')
		return
	}
	e.buf = append(e.buf, s...)
}

func (e *DSLEncoder) appendList(items []string) {
	for i, s := range items {
		if i > 0 {
			e.buf = append(e.buf, ',')
		}
		e.buf = append(e.buf, s...)
	}
}

func (e *DSLEncoder) appendKV(key, value string) {
	if value == "" {
		return
	}
	e.buf = append(e.buf, ' ')
	e.buf = append(e.buf, key...)
	e.buf = append(e.buf, '=')
	e.buf = append(e.buf, value...)
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:  1,
		Policies: make([]PolicySeed, 0, 16),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			p.line++
			line := data[start:i]
			start = i + 1

			for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
				line = line[1:]
			}
			for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
				line = line[:len(line)-1]
			}

			if len(line) == 0 || line[0] == '#' {
				continue
			}

			parts, err := splitLineBytes(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", p.line, err)
			}
			if len(parts) == 0 {
				continue
			}

			switch parts[0] {
			case "version":
				err = p.parseVersion(cfg, parts[1:])
			case "policy":
				err = p.parsePolicy(cfg, parts[1:])
			case "user":
				err = p.parseUser(cfg, parts[1:])
			case "condition":
				err = p.parseCondition(cfg, parts[1:])
			case "engine":
				err = p.parseEngine(cfg, parts[1:])
			default:
				err = fmt.Errorf("unknown directive: %s", parts[0])
			}
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", p.line, err)
			}
		}
	}

	return cfg, nil
}

// splitLineBytes splits on blanks outside double quotes. A quoted token may be empty.
func splitLineBytes(line []byte) ([]string, error) {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false
	i := 0

	for i < len(line) {
		ch := line[i]
		if ch == '"' {
			if inQuote {
				parts = append(parts, string(line[start:i]))
				start = i + 1
				inQuote = false
			} else {
				if i > start {
					return nil, fmt.Errorf("unexpected quote at column %d", i+1)
				}
				start = i + 1
				inQuote = true
			}
		} else if (ch == ' ' || ch == '\t') && !inQuote {
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
		i++
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}

	return parts, nil
}

func (p *DSLParser) parseVersion(cfg *Config, parts []string) error {
	if len(parts) != 1 {
		return fmt.Errorf("version requires: <n>")
	}
	v, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	cfg.Version = uint16(v)
	return nil
}

func (p *DSLParser) parsePolicy(cfg *Config, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("policy requires: <name> <effect> <resources> <actions> [conditions:<ids>] [roles:<roles>] [status:<status>] [\"description\"]")
	}

	seed := PolicySeed{
		Name:      parts[0],
		Effect:    Effect(strings.ToLower(parts[1])),
		Resources: parseList(parts[2]),
		Actions:   parseList(parts[3]),
	}
	if !seed.Effect.Valid() {
		return fmt.Errorf("policy %q: unknown effect %q", seed.Name, parts[1])
	}

	for _, opt := range parts[4:] {
		switch {
		case strings.HasPrefix(opt, "conditions:"):
			seed.Conditions = parseList(opt[len("conditions:"):])
		case strings.HasPrefix(opt, "roles:"):
			seed.Roles = parseList(opt[len("roles:"):])
		case strings.HasPrefix(opt, "status:"):
			seed.Status = Status(opt[len("status:"):])
			if !seed.Status.Valid() {
				return fmt.Errorf("policy %q: unknown status %q", seed.Name, seed.Status)
			}
		default:
			if seed.Description != "" {
				return fmt.Errorf("policy %q: unexpected token %q", seed.Name, opt)
			}
			seed.Description = opt
		}
	}

	cfg.Policies = append(cfg.Policies, seed)
	return nil
}

func (p *DSLParser) parseUser(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("user requires: <id> <email|-> <roles|-> [status:<status>] [\"name\"]")
	}
	u := UserSeed{ID: parts[0]}
	if parts[1] != "-" {
		u.Email = parts[1]
	}
	if parts[2] != "-" {
		u.Roles = parseList(parts[2])
	}
	for _, opt := range parts[3:] {
		if strings.HasPrefix(opt, "status:") {
			u.Status = Status(opt[len("status:"):])
			if !u.Status.Valid() {
				return fmt.Errorf("user %s: unknown status %q", u.ID, u.Status)
			}
			continue
		}
		if u.Name != "" {
			return fmt.Errorf("user %s: unexpected token %q", u.ID, opt)
		}
		u.Name = opt
	}
	cfg.Users = append(cfg.Users, u)
	return nil
}

func (p *DSLParser) parseCondition(cfg *Config, parts []string) error {
	if len(parts) == 0 {
		return fmt.Errorf("condition requires a kind")
	}
	switch parts[0] {
	case ConditionBusinessHours:
		return eachKV(parts[1:], func(key, val string) error {
			switch key {
			case "days":
				cfg.Conditions.BusinessHours.Days = parseList(val)
			case "start":
				cfg.Conditions.BusinessHours.Start = val
			case "end":
				cfg.Conditions.BusinessHours.End = val
			case "tz":
				cfg.Conditions.BusinessHours.Timezone = val
			default:
				return fmt.Errorf("%s: unknown key %q", ConditionBusinessHours, key)
			}
			return nil
		})
	case ConditionVPNRequired:
		return eachKV(parts[1:], func(key, val string) error {
			switch key {
			case "cidrs":
				cfg.Conditions.VPN.CIDRs = parseList(val)
			case "networks":
				cfg.Conditions.VPN.Networks = parseList(val)
			default:
				return fmt.Errorf("%s: unknown key %q", ConditionVPNRequired, key)
			}
			return nil
		})
	case "attribute":
		if len(parts) < 2 {
			return fmt.Errorf("condition attribute requires: <id> key=<key> value=<value>")
		}
		a := AttributeConfig{ID: parts[1]}
		err := eachKV(parts[2:], func(key, val string) error {
			switch key {
			case "key":
				a.Key = val
			case "value":
				a.Value = val
			default:
				return fmt.Errorf("attribute %s: unknown key %q", a.ID, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if a.Key == "" {
			return fmt.Errorf("attribute %s: key is required", a.ID)
		}
		cfg.Conditions.Attributes = append(cfg.Conditions.Attributes, a)
		return nil
	default:
		return fmt.Errorf("unknown condition kind: %s", parts[0])
	}
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	return eachKV(parts, func(key, val string) error {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("engine %s: want a non-negative integer, got %q", key, val)
		}
		switch key {
		case "cache_size":
			cfg.Engine.CacheSize = n
		case "cache_ttl_ms":
			cfg.Engine.CacheTTLMillis = n
		case "batch_workers":
			cfg.Engine.BatchWorkers = int(n)
		default:
			return fmt.Errorf("engine: unknown key %q", key)
		}
		return nil
	})
}

func eachKV(parts []string, fn func(key, val string) error) error {
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", kv)
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	count := 1
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			count++
		}
	}
	items := make([]string, 0, count)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				items = append(items, s[start:i])
			}
			start = i + 1
		}
	}
	return items
}
