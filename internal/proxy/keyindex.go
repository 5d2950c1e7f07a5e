package proxy

import (
	"context"
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// KeyIndex holds the live virtual-key set, indexed by token for the
// request pipeline's auth stage and by id for the admin plane's
// Snapshot/Replace contract. Each key's guardrail settings are compiled
// once here and kept alongside it, rather than recompiled per request.
type KeyIndex struct {
	mu      sync.RWMutex
	byToken map[string]domain.VirtualKey
	byID    map[string]domain.VirtualKey
	guards  map[string]*guardrails.Compiled

	persist store.KeyStore
}

func NewKeyIndex(persist store.KeyStore) *KeyIndex {
	return &KeyIndex{
		byToken: make(map[string]domain.VirtualKey),
		byID:    make(map[string]domain.VirtualKey),
		guards:  make(map[string]*guardrails.Compiled),
		persist: persist,
	}
}

// Load reads the persisted key set at startup.
func (k *KeyIndex) Load(ctx context.Context) error {
	if k.persist == nil {
		return nil
	}
	keys, err := k.persist.LoadKeys(ctx)
	if err != nil {
		return err
	}
	return k.install(keys)
}

// Snapshot returns every key (admin.KeyRegistry).
func (k *KeyIndex) Snapshot() []domain.VirtualKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]domain.VirtualKey, 0, len(k.byID))
	for _, v := range k.byID {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace installs a new key set, persisting it first (admin.KeyRegistry).
func (k *KeyIndex) Replace(ctx context.Context, keys []domain.VirtualKey) error {
	for _, vk := range keys {
		if _, err := guardrails.Compile(vk.Guardrails); err != nil {
			return gatewayerr.InvalidRequest("key " + vk.ID + ": " + err.Error())
		}
	}
	if k.persist != nil {
		if err := k.persist.ReplaceKeys(ctx, keys); err != nil {
			return gatewayerr.StorageError(err.Error())
		}
	}
	return k.install(keys)
}

func (k *KeyIndex) install(keys []domain.VirtualKey) error {
	byToken := make(map[string]domain.VirtualKey, len(keys))
	byID := make(map[string]domain.VirtualKey, len(keys))
	guards := make(map[string]*guardrails.Compiled, len(keys))
	for _, vk := range keys {
		byID[vk.ID] = vk
		if vk.Token != "" {
			byToken[vk.Token] = vk
		}
		compiled, err := guardrails.Compile(vk.Guardrails)
		if err != nil {
			return gatewayerr.InvalidRequest("key " + vk.ID + ": " + err.Error())
		}
		guards[vk.ID] = compiled
	}

	k.mu.Lock()
	k.byToken = byToken
	k.byID = byID
	k.guards = guards
	k.mu.Unlock()
	return nil
}

// Lookup resolves token to its VirtualKey and compiled guardrails. The
// third return is false for an unknown or disabled token.
func (k *KeyIndex) Lookup(token string) (domain.VirtualKey, *guardrails.Compiled, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	vk, ok := k.byToken[token]
	if !ok || !vk.Enabled {
		return domain.VirtualKey{}, nil, false
	}
	return vk, k.guards[vk.ID], true
}

// ScopeIDs returns the set of every scope id across the live key set, in
// the form budget.Tracker.RetainScopes accepts. The gateway itself calls
// neither, so ledger rows of deleted keys are not pruned.
func (k *KeyIndex) ScopeIDs() map[string]bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]bool)
	for _, vk := range k.byID {
		for _, s := range vk.Scopes() {
			out[s] = true
		}
	}
	return out
}
