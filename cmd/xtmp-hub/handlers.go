package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/xtmp-net/xtmp-node/pkg/hub"
	"github.com/xtmp-net/xtmp-node/pkg/protocol"
	"github.com/xtmp-net/xtmp-node/pkg/router"
)

// The hub core carries opaque payloads; these handlers give the daemon a
// usable default surface. Real deployments replace them through
// hub.RegisterHandler.

type registryEntry struct {
	ClientID string    `json:"client_id"`
	Wallet   string    `json:"wallet,omitempty"`
	SeenAt   time.Time `json:"seen_at"`
}

type bundleReceipt struct {
	Digest     string    `json:"digest"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

type hubHandlers struct {
	mu       sync.Mutex
	registry map[string]registryEntry // keyed by client id
	bundles  map[string]bundleReceipt // keyed by digest
}

func registerHandlers(h *hub.Hub) {
	hh := &hubHandlers{
		registry: make(map[string]registryEntry),
		bundles:  make(map[string]bundleReceipt),
	}
	h.RegisterHandler(protocol.MsgTypeWalletRegister, router.HandlerFunc(hh.walletRegister))
	h.RegisterHandler(protocol.MsgTypeWalletBalance, router.HandlerFunc(hh.walletBalance))
	h.RegisterHandler(protocol.MsgTypeBundleSubmit, router.HandlerFunc(hh.bundleSubmit))
	h.RegisterHandler(protocol.MsgTypeBundleStatus, router.HandlerFunc(hh.bundleStatus))
	h.RegisterHandler(protocol.MsgTypeRegistryQuery, router.HandlerFunc(hh.registryQuery))
}

func (hh *hubHandlers) walletRegister(ctx context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Wallet == "" {
		return nil, errors.New("wallet address missing")
	}

	hh.mu.Lock()
	hh.registry[sctx.PeerClientID] = registryEntry{
		ClientID: sctx.PeerClientID,
		Wallet:   req.Wallet,
		SeenAt:   time.Now(),
	}
	hh.mu.Unlock()

	return json.Marshal(map[string]bool{"registered": true})
}

func (hh *hubHandlers) walletBalance(ctx context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
	hh.mu.Lock()
	entry, ok := hh.registry[sctx.PeerClientID]
	hh.mu.Unlock()
	if !ok {
		return nil, errors.New("wallet not registered")
	}

	return json.Marshal(map[string]any{
		"wallet":  entry.Wallet,
		"balance": 0,
	})
}

func (hh *hubHandlers) bundleSubmit(ctx context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
	sum := sha256.Sum256(payload)
	receipt := bundleReceipt{
		Digest:     hex.EncodeToString(sum[:]),
		Size:       len(payload),
		ReceivedAt: time.Now(),
	}

	hh.mu.Lock()
	hh.bundles[receipt.Digest] = receipt
	hh.mu.Unlock()

	return json.Marshal(receipt)
}

func (hh *hubHandlers) bundleStatus(ctx context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
	var req struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.New("malformed status query")
	}

	hh.mu.Lock()
	receipt, ok := hh.bundles[req.Digest]
	hh.mu.Unlock()

	if !ok {
		return json.Marshal(map[string]string{"status": "unknown"})
	}
	return json.Marshal(map[string]any{"status": "received", "receipt": receipt})
}

func (hh *hubHandlers) registryQuery(ctx context.Context, sctx *router.SessionContext, payload []byte) ([]byte, error) {
	hh.mu.Lock()
	entries := make([]registryEntry, 0, len(hh.registry))
	for _, e := range hh.registry {
		entries = append(entries, e)
	}
	hh.mu.Unlock()

	return json.Marshal(map[string]any{
		"caller":  sctx.PeerClientID,
		"entries": entries,
	})
}
