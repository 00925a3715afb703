// Package moderation gates new content against a blocklist of body
// hashes. The list lives in the primary store; a process-wide in-memory
// snapshot answers lookups and can be refreshed without a restart.
package moderation

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// HashSource is the persisted blocklist collection.
type HashSource interface {
	BlockedHashes(ctx context.Context) ([]string, error)
}

type Blocklist struct {
	source HashSource

	mu     sync.RWMutex
	hashes map[string]struct{}
}

func NewBlocklist(source HashSource) *Blocklist {
	return &Blocklist{
		source: source,
		hashes: map[string]struct{}{},
	}
}

// Load reads the persisted hashes into the snapshot. Called once at
// startup; Refresh is the same operation under its administrative name.
func (b *Blocklist) Load(ctx context.Context) error {
	hashes, err := b.source.BlockedHashes(ctx)
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}
	next := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		next[hash] = struct{}{}
	}
	b.mu.Lock()
	b.hashes = next
	b.mu.Unlock()
	return nil
}

func (b *Blocklist) Refresh(ctx context.Context) error {
	return b.Load(ctx)
}

// Check hashes the body and reports whether it is blocked. The hash is
// returned either way so rejections can cite it.
func (b *Blocklist) Check(body string) (hash string, blocked bool) {
	hash = Hash(body)
	b.mu.RLock()
	_, blocked = b.hashes[hash]
	b.mu.RUnlock()
	return hash, blocked
}

func (b *Blocklist) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hashes)
}

// Hash normalizes a body the way the blocklist entries were produced:
// surrounding whitespace trimmed, lowercased, then MD5 in hex.
func Hash(body string) string {
	normalized := strings.ToLower(strings.TrimSpace(body))
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
