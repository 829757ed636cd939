package pbac

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version:  1,
			Policies: []PolicySeed{},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddPolicy(p PolicySeed) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) AddUser(id, email string, roles ...string) *ConfigBuilder {
	b.cfg.Users = append(b.cfg.Users, UserSeed{ID: id, Email: email, Roles: roles})
	return b
}

// BusinessHours configures the business-hours condition, e.g. ("mon-fri", "09:00", "17:00", "UTC").
func (b *ConfigBuilder) BusinessHours(days, start, end, tz string) *ConfigBuilder {
	b.cfg.Conditions.BusinessHours = TimeWindowConfig{Days: parseList(days), Start: start, End: end, Timezone: tz}
	return b
}

// VPN configures the vpn-required condition.
func (b *ConfigBuilder) VPN(cidrs []string, networks ...string) *ConfigBuilder {
	b.cfg.Conditions.VPN = NetworkConfig{CIDRs: cidrs, Networks: networks}
	return b
}

func (b *ConfigBuilder) AttributeCondition(id, key, value string) *ConfigBuilder {
	b.cfg.Conditions.Attributes = append(b.cfg.Conditions.Attributes, AttributeConfig{ID: id, Key: key, Value: value})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// PolicyConfigBuilder for building policy seeds
type PolicyConfigBuilder struct {
	p PolicySeed
}

// NewPolicyConfig starts an allow policy called name.
func NewPolicyConfig(name string) *PolicyConfigBuilder {
	return &PolicyConfigBuilder{p: PolicySeed{Name: name, Effect: EffectAllow}}
}

func (p *PolicyConfigBuilder) Description(d string) *PolicyConfigBuilder {
	p.p.Description = d
	return p
}

func (p *PolicyConfigBuilder) Deny() *PolicyConfigBuilder {
	p.p.Effect = EffectDeny
	return p
}

func (p *PolicyConfigBuilder) Resources(resources ...string) *PolicyConfigBuilder {
	p.p.Resources = append(p.p.Resources, resources...)
	return p
}

func (p *PolicyConfigBuilder) Actions(actions ...string) *PolicyConfigBuilder {
	p.p.Actions = append(p.p.Actions, actions...)
	return p
}

func (p *PolicyConfigBuilder) When(conditions ...string) *PolicyConfigBuilder {
	p.p.Conditions = append(p.p.Conditions, conditions...)
	return p
}

func (p *PolicyConfigBuilder) ForRoles(roles ...string) *PolicyConfigBuilder {
	p.p.Roles = append(p.p.Roles, roles...)
	return p
}

func (p *PolicyConfigBuilder) Inactive() *PolicyConfigBuilder {
	p.p.Status = StatusInactive
	return p
}

func (p *PolicyConfigBuilder) Build() PolicySeed {
	return p.p
}
