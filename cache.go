package pbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// decisionCache memoizes decisions that did not depend on request context.
type decisionCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newDecisionCache(size int64, ttl time.Duration) (*decisionCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	return &decisionCache{c: c, ttl: ttl}, nil
}

func (d *decisionCache) get(key string) (Decision, bool) {
	if d == nil {
		return Decision{}, false
	}
	v, ok := d.c.Get(key)
	if !ok {
		return Decision{}, false
	}
	dec, ok := v.(Decision)
	return dec, ok
}

func (d *decisionCache) set(key string, dec Decision) {
	if d == nil {
		return
	}
	dec.Trace = nil
	if d.ttl > 0 {
		d.c.SetWithTTL(key, dec, 1, d.ttl)
		return
	}
	d.c.Set(key, dec, 1)
}

func (d *decisionCache) clear() {
	if d != nil {
		d.c.Clear()
	}
}

func (d *decisionCache) close() {
	if d != nil {
		d.c.Close()
	}
}

// decisionKey covers every input a context-free evaluation depends on.
func decisionKey(rev uint64, req AuthorizationRequest, roles []string, rolesKnown bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\x00%t\x00", rev, rolesKnown)
	b.WriteString(strings.Join(roles, "\x01"))
	b.WriteByte(0)
	b.WriteString(req.Resource)
	b.WriteByte(0)
	b.WriteString(req.Action)
	return b.String()
}
