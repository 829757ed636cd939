package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/pbac"
	"github.com/oarkflow/pbac/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "keygen":
		handleKeygen()
	case "sign":
		handleSign()
	case "verify":
		handleVerify()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pbac-config - Configuration tool for the pbac engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pbac-config convert <input> <output>    - Convert between formats")
	fmt.Println("  pbac-config validate <file>             - Validate configuration")
	fmt.Println("  pbac-config stats <file>                - Show configuration statistics")
	fmt.Println("  pbac-config apply <file>                - Apply configuration to an in-memory engine")
	fmt.Println("  pbac-config keygen                      - Generate an ed25519 bundle signing key")
	fmt.Println("  pbac-config sign <file> <private-key>   - Write a signed policy bundle to stdout")
	fmt.Println("  pbac-config verify <bundle> <public-key> - Verify a signed policy bundle")
	fmt.Println()
	fmt.Println("Supported formats: .pbac, .yaml, .yml, .json")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: pbac-config convert <input> <output>")
	}
	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := pbac.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	if err := saveConfig(cfg, outputFile); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		fmt.Printf("Size: %d -> %d bytes\n", inStat.Size(), outStat.Size())
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: pbac-config validate <file>")
	}
	cfg, err := pbac.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fail("Invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		if ve, ok := err.(*pbac.ValidationError); ok {
			for field, msg := range ve.Details {
				fmt.Printf("  %s: %s\n", field, msg)
			}
		}
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Users: %d\n", len(cfg.Users))
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: pbac-config stats <file>")
	}
	filename := os.Args[2]
	cfg, err := pbac.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Users:    %d\n", len(cfg.Users))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		var allow, deny, inactive, conditional, scoped int
		for _, p := range cfg.Policies {
			if p.Effect == pbac.EffectDeny {
				deny++
			} else {
				allow++
			}
			if p.Status == pbac.StatusInactive {
				inactive++
			}
			if len(p.Conditions) > 0 {
				conditional++
			}
			if len(p.Roles) > 0 {
				scoped++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies:       %d\n", allow)
		fmt.Printf("  Deny policies:        %d\n", deny)
		fmt.Printf("  Inactive:             %d\n", inactive)
		fmt.Printf("  With conditions:      %d\n", conditional)
		fmt.Printf("  Role scoped:          %d\n", scoped)
		fmt.Println()
	}

	c := cfg.Conditions
	fmt.Println("Conditions:")
	if c.BusinessHours.IsZero() {
		fmt.Println("  business-hours: not configured (never satisfied)")
	} else {
		fmt.Printf("  business-hours: %s %s-%s %s\n", strings.Join(c.BusinessHours.Days, ","),
			c.BusinessHours.Start, c.BusinessHours.End, c.BusinessHours.Timezone)
	}
	if c.VPN.IsZero() {
		fmt.Println("  vpn-required:   not configured (never satisfied)")
	} else {
		fmt.Printf("  vpn-required:   cidrs=%s networks=%s\n", strings.Join(c.VPN.CIDRs, ","), strings.Join(c.VPN.Networks, ","))
	}
	for _, a := range c.Attributes {
		fmt.Printf("  %s: %s == %q\n", a.ID, a.Key, a.Value)
	}
	fmt.Println()

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache size: %d\n", cfg.Engine.CacheSize)
	fmt.Printf("  Decision cache TTL:  %dms\n", cfg.Engine.CacheTTLMillis)
	fmt.Printf("  Batch workers:       %d\n", cfg.Engine.BatchWorkers)
}

func newMemoryEngine(cfg *pbac.Config) (*pbac.Engine, error) {
	return pbac.NewEngine(
		stores.NewMemoryPolicyStore(),
		pbac.NewRecorder(stores.NewMemoryAuditStore()),
		pbac.WithUserStore(stores.NewMemoryUserStore()),
		pbac.WithEngineConfig(cfg.Engine),
	)
}

func handleApply() {
	if len(os.Args) < 3 {
		fail("Usage: pbac-config apply <file>")
	}
	cfg, err := pbac.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fail("Error loading config: %v", err)
	}
	engine, err := newMemoryEngine(cfg)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	defer engine.Close()

	report, err := engine.ApplyConfig(context.Background(), "pbac-config", cfg)
	if err != nil {
		fail("Error applying config: %v", err)
	}
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Policies created: %d\n", report.PoliciesCreated)
	fmt.Printf("  Policies updated: %d\n", report.PoliciesUpdated)
	fmt.Printf("  Users created:    %d\n", report.UsersCreated)
	fmt.Printf("  Users updated:    %d\n", report.UsersUpdated)
}

func handleKeygen() {
	pub, priv, err := pbac.GenerateSigningKey()
	if err != nil {
		fail("Error generating key: %v", err)
	}
	fmt.Printf("public:  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("private: %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
}

func handleSign() {
	if len(os.Args) < 4 {
		fail("Usage: pbac-config sign <file> <private-key>")
	}
	priv, err := pbac.ParsePrivateKey(os.Args[3])
	if err != nil {
		fail("Invalid private key: %v", err)
	}
	cfg, err := pbac.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fail("Error loading config: %v", err)
	}
	engine, err := newMemoryEngine(cfg)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	if _, err := engine.ApplyConfig(ctx, "pbac-config", cfg); err != nil {
		fail("Error applying config: %v", err)
	}
	bundle, err := engine.ExportSignedBundle(ctx, priv)
	if err != nil {
		fail("Error signing bundle: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		fail("Error writing bundle: %v", err)
	}
}

func handleVerify() {
	if len(os.Args) < 4 {
		fail("Usage: pbac-config verify <bundle> <public-key>")
	}
	pub, err := pbac.ParsePublicKey(os.Args[3])
	if err != nil {
		fail("Invalid public key: %v", err)
	}
	data, err := os.ReadFile(os.Args[2])
	if err != nil {
		fail("Error reading bundle: %v", err)
	}
	var bundle pbac.SignedPolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		fail("Error decoding bundle: %v", err)
	}
	if err := pbac.VerifyBundle(pub, &bundle); err != nil {
		fail("Bundle rejected: %v", err)
	}
	fmt.Printf("Bundle verified: %d policies\n", len(bundle.Policies))
}

func saveConfig(cfg *pbac.Config, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".pbac":
		data, err = cfg.ToDSL()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
