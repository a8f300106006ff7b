// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nexuslabs/nexus/pkg/errors"
)

// EthBackend exposes read-only chain queries backed by an EVM RPC endpoint.
type EthBackend struct {
	eth     *ethclient.Client
	chainID *big.Int
}

// NewEthBackend dials the RPC endpoint and confirms the chain is reachable.
func NewEthBackend(ctx context.Context, rpcURL string) (*EthBackend, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New(errors.CodePluginLoadFailed, "chain backend requires an rpc url target", nil)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.New(errors.CodePluginLoadFailed, "dial chain rpc endpoint", err).
			WithContext("rpc_url", rpcURL)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, errors.New(errors.CodePluginLoadFailed, "query chain id", err).
			WithContext("rpc_url", rpcURL)
	}
	return &EthBackend{eth: eth, chainID: chainID}, nil
}

// Tools implements Backend.
func (b *EthBackend) Tools(ctx context.Context) ([]ToolSpec, error) {
	return []ToolSpec{
		{
			Name:        "chain.balance",
			Description: "Read the native token balance of an address in wei.",
			Capability:  CapabilityChain,
			Cost:        2,
		},
		{
			Name:        "chain.block_number",
			Description: "Read the latest block number.",
			Capability:  CapabilityChain,
		},
		{
			Name:        "chain.id",
			Description: "Return the chain identifier of the connected network.",
			Capability:  CapabilityChain,
		},
	}, nil
}

// Invoke implements Backend.
func (b *EthBackend) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	switch tool {
	case "chain.balance":
		return b.balance(ctx, args)
	case "chain.block_number":
		number, err := b.eth.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"block_number": number}, nil
	case "chain.id":
		return map[string]any{"chain_id": b.chainID.String()}, nil
	default:
		return nil, fmt.Errorf("unknown chain tool %q", tool)
	}
}

func (b *EthBackend) balance(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["address"].(string)
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return nil, errors.New(errors.CodeInvalidInput, "chain.balance requires a hex address argument", nil).
			WithContext("address", raw)
	}
	wei, err := b.eth.BalanceAt(ctx, common.HexToAddress(raw), nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":     common.HexToAddress(raw).Hex(),
		"balance_wei": wei.String(),
	}, nil
}

// Close implements Backend.
func (b *EthBackend) Close() error {
	b.eth.Close()
	return nil
}

// EthFactory builds chain backends from manifest entry points whose target
// is an EVM RPC URL.
func EthFactory(ctx context.Context, ep EntryPoint) (Backend, error) {
	return NewEthBackend(ctx, ep.Target)
}
