// Package adapter provides access to the source chain through an ElectrumX-style query node.
package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/types"
)

// Query node methods used by the indexer
const (
	MethodHeadersSubscribe = "blockchain.headers.subscribe"
	MethodTxIDFromPos      = "blockchain.transaction.id_from_pos"
	MethodTransactionGet   = "blockchain.transaction.get"
)

// RPCClient is the request surface of ElectrumClient
type RPCClient interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Batch(ctx context.Context, method string, paramsList [][]interface{}) ([]BatchItem, error)
	Subscribe(ctx context.Context, method string, params ...interface{}) (json.RawMessage, <-chan json.RawMessage, error)
}

// Header is the tip payload of blockchain.headers.subscribe
type Header struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

// VerboseTx is a verbose transaction as returned by blockchain.transaction.get
type VerboseTx struct {
	Txid          string `json:"txid"`
	BlockHash     string `json:"blockhash"`
	BlockTime     int64  `json:"blocktime"`
	Time          int64  `json:"time"`
	Confirmations int64  `json:"confirmations"`
	Vout          []Vout `json:"vout"`
}

// Vout is one transaction output
type Vout struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey is the decoded locking script of an output
type ScriptPubKey struct {
	Asm       string            `json:"asm"`
	Hex       string            `json:"hex"`
	Type      string            `json:"type"`
	Address   string            `json:"address,omitempty"`
	Addresses []string          `json:"addresses,omitempty"`
	NameOp    *NameOpAnnotation `json:"nameOp,omitempty"`
}

// PrimaryAddress returns the output's address, if the node reported one
func (s ScriptPubKey) PrimaryAddress() string {
	if s.Address != "" {
		return s.Address
	}
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return ""
}

// NameOpAnnotation is the node's structured decode of a name script
type NameOpAnnotation struct {
	Op    string `json:"op"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NameChainAdapter turns raw query node calls into typed chain reads
type NameChainAdapter struct {
	client RPCClient
}

// NewNameChainAdapter creates an adapter over client
func NewNameChainAdapter(client RPCClient) *NameChainAdapter {
	return &NameChainAdapter{client: client}
}

// GetTip returns the node's current tip
func (a *NameChainAdapter) GetTip(ctx context.Context) (types.Tip, error) {
	raw, err := a.client.Request(ctx, MethodHeadersSubscribe)
	if err != nil {
		return types.Tip{}, fmt.Errorf("failed to get tip: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return types.Tip{}, fmt.Errorf("failed to decode tip header: %w", err)
	}
	return headerTip(h)
}

// SubscribeTips returns the current tip and a stream of pushed tips
func (a *NameChainAdapter) SubscribeTips(ctx context.Context) (types.Tip, <-chan types.Tip, error) {
	raw, stream, err := a.client.Subscribe(ctx, MethodHeadersSubscribe)
	if err != nil {
		return types.Tip{}, nil, fmt.Errorf("failed to subscribe to tips: %w", err)
	}

	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return types.Tip{}, nil, fmt.Errorf("failed to decode tip header: %w", err)
	}
	initial, err := headerTip(h)
	if err != nil {
		return types.Tip{}, nil, err
	}

	tips := make(chan types.Tip)
	go func() {
		defer close(tips)
		for params := range stream {
			var headers []Header
			if err := json.Unmarshal(params, &headers); err != nil {
				continue
			}
			for _, h := range headers {
				tip, err := headerTip(h)
				if err != nil {
					continue
				}
				select {
				case tips <- tip:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return initial, tips, nil
}

// TxIDFromPos returns the id of the transaction at pos in the block at height.
// Past the last transaction it returns a TerminalEnumeration error.
func (a *NameChainAdapter) TxIDFromPos(ctx context.Context, height int64, pos int) (string, error) {
	raw, err := a.client.Request(ctx, MethodTxIDFromPos, height, pos, false)
	if err != nil {
		if isNoTxAtPosition(err) {
			return "", apperrors.NewTerminalEnumerationError(height, pos)
		}
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("failed to decode txid at %d/%d: %w", height, pos, err)
	}
	return txid, nil
}

// GetTransaction fetches one verbose transaction
func (a *NameChainAdapter) GetTransaction(ctx context.Context, txid string) (*VerboseTx, error) {
	raw, err := a.client.Request(ctx, MethodTransactionGet, txid, true)
	if err != nil {
		return nil, err
	}
	var tx VerboseTx
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txid, err)
	}
	return &tx, nil
}

// GetTransactions fetches verbose transactions in one batch, preserving order
func (a *NameChainAdapter) GetTransactions(ctx context.Context, txids []string) ([]*VerboseTx, error) {
	params := make([][]interface{}, len(txids))
	for i, txid := range txids {
		params[i] = []interface{}{txid, true}
	}

	items, err := a.client.Batch(ctx, MethodTransactionGet, params)
	if err != nil {
		return nil, err
	}

	txs := make([]*VerboseTx, len(items))
	for i, item := range items {
		if item.Err != nil {
			return nil, fmt.Errorf("failed to fetch transaction %v: %w", item.Params[0], item.Err)
		}
		var tx VerboseTx
		if err := json.Unmarshal(item.Result, &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %v: %w", item.Params[0], err)
		}
		txs[i] = &tx
	}
	return txs, nil
}

func isNoTxAtPosition(err error) bool {
	return strings.Contains(apperrors.RemoteMessage(err), "no tx at position")
}

func headerTip(h Header) (types.Tip, error) {
	hash, err := HeaderHash(h.Hex)
	if err != nil {
		return types.Tip{}, err
	}
	return types.Tip{Height: h.Height, Hash: hash}, nil
}

// HeaderHash returns the display (byte-reversed) hash of a hex-encoded block header.
// Only the 80-byte base header is hashed; merge-mining data that follows is ignored.
func HeaderHash(headerHex string) (string, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return "", fmt.Errorf("invalid header hex: %w", err)
	}
	if len(raw) < wire.MaxBlockHeaderPayload {
		return "", fmt.Errorf("header too short: %d bytes", len(raw))
	}

	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(raw[:wire.MaxBlockHeaderPayload])); err != nil {
		return "", fmt.Errorf("failed to decode header: %w", err)
	}
	return hdr.BlockHash().String(), nil
}
