package pbac

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oarkflow/pbac/logger"
)

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, pub, bundle)
}

// PolicyBundleDistributor re-signs the full policy set after every policy
// mutation and hands it to subscribers.
type PolicyBundleDistributor struct {
	store            PolicyStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	logger           logger.Logger
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval rotates the signing key periodically. Zero disables rotation.
func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval >= 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewPolicyBundleDistributor(store PolicyStore, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if store == nil {
		return nil, NewValidationError("store", "policy store is required")
	}
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		store:    store,
		priv:     priv,
		pub:      pub,
		logger:   logger.NewNullLogger(),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var rotate <-chan time.Time
		if d.rotationInterval > 0 {
			ticker := time.NewTicker(d.rotationInterval)
			defer ticker.Stop()
			rotate = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.Distribute(ctx); err != nil {
					d.logger.Error("bundle distribution failed", "error", err)
				}
			case <-rotate:
				if err := d.RotateSigningKey(); err != nil {
					d.logger.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange schedules a distribution. Bursts of changes coalesce into one.
func (d *PolicyBundleDistributor) NotifyPolicyChange() {
	if d == nil {
		return
	}
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *PolicyBundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	d.logger.Info("bundle signing key rotated")
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

// Distribute signs the current policy set and delivers it synchronously.
func (d *PolicyBundleDistributor) Distribute(ctx context.Context) error {
	policies, err := d.store.List(ctx, ListOptions{})
	if err != nil {
		return Persistence("policy.list", err)
	}
	d.mu.RLock()
	priv, pub := d.priv, append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, policies)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"revision":     d.store.Revision(),
	}
	for _, sub := range subs {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.logger.Error("bundle subscriber failed", "error", err)
		}
	}
	return nil
}

// FileBundleSubscriber writes each bundle to Path, replacing the previous one atomically.
type FileBundleSubscriber struct {
	Path string
}

func (f FileBundleSubscriber) OnBundle(_ context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	if f.Path == "" {
		return NewValidationError("path", "bundle path is required")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	out := struct {
		PublicKey ed25519.PublicKey   `json:"publicKey"`
		Bundle    *SignedPolicyBundle `json:"bundle"`
	}{pub, bundle}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// WithBundleDistributor notifies d after every policy mutation.
func WithBundleDistributor(d *PolicyBundleDistributor) EngineOption {
	return func(e *Engine) error {
		e.bundles = d
		return nil
	}
}
