package pbac_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/oarkflow/pbac"
	"gopkg.in/yaml.v3"
)

// Generate test config with N policies and users
func generateTestConfig(numPolicies, numUsers int) *pbac.Config {
	b := pbac.NewConfigBuilder().
		BusinessHours("mon-fri", "09:00", "17:00", "UTC").
		VPN([]string{"10.0.0.0/8"}, "corp-vpn").
		EngineSettings(func(c *pbac.EngineConfig) { c.CacheTTLMillis = 5000 })
	for i := 0; i < numPolicies; i++ {
		p := pbac.NewPolicyConfig(fmt.Sprintf("policy-%d", i)).
			Resources(fmt.Sprintf("document-%d:*", i), "file:*").
			Actions("read", "write")
		if i%3 == 0 {
			p = p.When("business-hours")
		}
		if i%5 == 0 {
			p = p.Deny()
		}
		b.AddPolicy(p.Build())
	}
	for i := 0; i < numUsers; i++ {
		b.AddUser(fmt.Sprintf("u-%d", i), fmt.Sprintf("user%d@example.com", i), "reader")
	}
	return b.Build()
}

func BenchmarkDSLParse(b *testing.B) {
	dsl := []byte(`
version 1
policy reader allow docs:* read
policy writer allow docs:* write roles:editor conditions:vpn-required
policy no-prod deny prod:* delete
user u-1 ann@example.com editor
condition vpn-required cidrs=10.0.0.0/8
engine cache_ttl_ms=5000
`)

	parser := pbac.NewDSLParser()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(dsl)
	}
}

func BenchmarkDSLEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)
	encoder := pbac.NewDSLEncoder()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = encoder.Encode(cfg)
	}
}

func BenchmarkYAMLEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = yaml.Marshal(cfg)
	}
}

func BenchmarkYAMLDecode(b *testing.B) {
	data, _ := generateTestConfig(10, 5).ToYAML()
	loader := pbac.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}

func BenchmarkJSONEncode(b *testing.B) {
	cfg := generateTestConfig(10, 5)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cfg.ToJSON()
	}
}

func BenchmarkJSONDecode(b *testing.B) {
	data, _ := generateTestConfig(10, 5).ToJSON()
	loader := pbac.NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadJSON(data)
	}
}

func BenchmarkDSLParseLarge(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("version 1\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "policy p%d allow document-%d:* read,write conditions:business-hours\n", i, i)
	}
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&sb, "user u-%d user%d@example.com reader\n", i, i)
	}
	dsl := []byte(sb.String())

	parser := pbac.NewDSLParser()
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(dsl)
	}
}

func BenchmarkConfigValidateLarge(b *testing.B) {
	cfg := generateTestConfig(100, 50)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = cfg.Validate()
	}
}
