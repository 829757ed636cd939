package pbac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// SignedPolicyBundle is an exported policy set with one ed25519 signature per policy.
type SignedPolicyBundle struct {
	Policies   []*Policy         `json:"policies"`
	Signatures map[string]string `json:"signatures"` // policy id -> base64(sig)
	Meta       map[string]any    `json:"meta,omitempty"`
}

// signingPayload covers the checksum plus the fields bundles are applied by.
func signingPayload(p *Policy) ([]byte, error) {
	return json.Marshal(struct {
		ID          string
		Name        string
		Description string
		Checksum    string
	}{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Checksum:    p.Checksum(),
	})
}

// SignPolicy returns an ed25519 signature (base64) for the policy using the private key
func SignPolicy(priv ed25519.PrivateKey, p *Policy) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key length %d", len(priv))
	}
	data, err := signingPayload(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// VerifyPolicySignature reports whether sigB64 signs p under pub.
func VerifyPolicySignature(pub ed25519.PublicKey, p *Policy, sigB64 string) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length %d", len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := signingPayload(p)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each policy with priv
func SignBundle(priv ed25519.PrivateKey, policies []*Policy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string, len(policies))}
	for _, p := range policies {
		s, err := SignPolicy(priv, p)
		if err != nil {
			return nil, err
		}
		b.Signatures[p.ID] = s
	}
	return b, nil
}

// VerifyBundle checks every policy signature in b.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) error {
	if b == nil {
		return NewValidationError("bundle", "bundle is required")
	}
	for _, p := range b.Policies {
		if p == nil {
			return NewValidationError("bundle", "bundle contains a nil policy")
		}
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return NewValidationError("signatures", "missing signature for policy %s", p.ID)
		}
		valid, err := VerifyPolicySignature(pub, p, sig)
		if err != nil {
			return NewValidationError("signatures", "bad signature for policy %s: %v", p.ID, err)
		}
		if !valid {
			return NewValidationError("signatures", "signature mismatch for policy %s", p.ID)
		}
	}
	return nil
}

// GenerateSigningKey creates a fresh ed25519 key pair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 ed25519 private key (64 bytes) or seed (32 bytes).
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// ExportSignedBundle signs every stored policy in listing order.
func (e *Engine) ExportSignedBundle(ctx context.Context, priv ed25519.PrivateKey) (*SignedPolicyBundle, error) {
	policies, err := e.store.List(ctx, ListOptions{})
	if err != nil {
		return nil, Persistence("policy.list", err)
	}
	b, err := SignBundle(priv, policies)
	if err != nil {
		return nil, err
	}
	b.Meta = map[string]any{
		"generated_at": e.clock().UTC().Format(time.RFC3339Nano),
		"revision":     e.store.Revision(),
		"signing_key":  base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}
	return b, nil
}

// ApplySignedBundle verifies bundle against pub and upserts its policies by
// name. Nothing is written when any signature fails.
func (e *Engine) ApplySignedBundle(ctx context.Context, actor string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) (ApplyReport, error) {
	if err := VerifyBundle(pub, bundle); err != nil {
		return ApplyReport{}, err
	}
	cfg := &Config{Version: 1, Policies: make([]PolicySeed, 0, len(bundle.Policies))}
	for _, p := range bundle.Policies {
		cfg.Policies = append(cfg.Policies, SeedFromPolicy(p))
	}
	return e.ApplyConfig(ctx, actor, cfg)
}
