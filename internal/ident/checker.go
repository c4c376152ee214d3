package ident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type CheckerOptions struct {
	CacheExpiryInterval time.Duration `toml:"cache-expiry-interval"`
}

func (o *CheckerOptions) FillDefaults() {
	if o.CacheExpiryInterval == 0 {
		o.CacheExpiryInterval = 3 * time.Minute
	}
}

// Checker caches successful verifications so that reconnect storms do not
// hammer the identity service. Entries are keyed by token hash, concurrent
// misses for the same token collapse into one upstream call.
type Checker struct {
	o      CheckerOptions
	v      Verifier
	cache  sync.Map
	group  singleflight.Group
	ctx    context.Context
	cancel func()
	done   chan struct{}
}

var _ Verifier = (*Checker)(nil)

type cacheVal struct {
	id       Identity
	deadline time.Time
}

func NewChecker(o CheckerOptions, v Verifier) *Checker {
	o.FillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		o:      o,
		v:      v,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func (c *Checker) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}
	now := time.Now()
	hash := hashToken(token)
	if v, ok := c.cache.Load(hash); ok {
		val := v.(*cacheVal)
		if now.After(val.deadline) {
			c.cache.CompareAndDelete(hash, v)
		} else {
			return val.id, nil
		}
	}
	res, err, _ := c.group.Do(hash, func() (any, error) {
		id, err := c.v.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		return id, nil
	})
	if err != nil {
		return Identity{}, err
	}
	id := res.(Identity)
	c.cache.Store(hash, &cacheVal{
		id:       id,
		deadline: time.Now().Add(c.o.CacheExpiryInterval),
	})
	return id, nil
}

func (c *Checker) Close() {
	c.cancel()
	<-c.done
}

func (c *Checker) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.o.CacheExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.cache.Range(func(k, v any) bool {
				val := v.(*cacheVal)
				if now.After(val.deadline) {
					c.cache.CompareAndDelete(k, v)
				}
				return true
			})
		}
	}
}
