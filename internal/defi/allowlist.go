// Package defi 维护 DeFi 白名单元数据,并提供参考编译器,将计划中的
// APPROVE/SWAP/TRANSFER 动作编译为未签名交易候选。
package defi

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allowlist models the structure of configs/allowlist.yaml.
type Allowlist struct {
	Chains          map[string]ChainAllowlist `yaml:"chains"`
	Slippage        SlippageBounds            `yaml:"slippage"`
	DeadlineSeconds int64                     `yaml:"deadline_seconds"`
}

// ChainAllowlist holds the vetted tokens and routers for one chain.
type ChainAllowlist struct {
	Tokens        map[string]TokenInfo  `yaml:"tokens"`
	Routers       map[string]RouterInfo `yaml:"routers"`
	WrappedNative string                `yaml:"wrapped_native"`
}

// TokenInfo describes a vetted ERC-20 token.
type TokenInfo struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// RouterInfo describes a vetted DEX router.
type RouterInfo struct {
	Address string `yaml:"address"`
	Kind    string `yaml:"kind"`
}

// SlippageBounds is the accepted slippage window in basis points.
type SlippageBounds struct {
	MinBps int `yaml:"min_bps"`
	MaxBps int `yaml:"max_bps"`
}

// LoadAllowlist parses the YAML file containing DeFi allowlist metadata.
// An empty path yields an empty allowlist, which disables target checks.
func LoadAllowlist(path string) (*Allowlist, error) {
	if strings.TrimSpace(path) == "" {
		return &Allowlist{Chains: map[string]ChainAllowlist{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取白名单配置失败: %w", err)
	}

	var list Allowlist
	if err := yaml.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("解析白名单配置失败: %w", err)
	}
	if list.Chains == nil {
		list.Chains = map[string]ChainAllowlist{}
	}
	list.applyDefaults()
	return &list, nil
}

func (a *Allowlist) applyDefaults() {
	if a.Slippage.MinBps <= 0 {
		a.Slippage.MinBps = 10
	}
	if a.Slippage.MaxBps <= 0 {
		a.Slippage.MaxBps = 300
	}
	if a.DeadlineSeconds <= 0 {
		a.DeadlineSeconds = 1200
	}
}

// Empty reports whether no chain carries any allowlisted entry.
func (a *Allowlist) Empty() bool {
	if a == nil {
		return true
	}
	for _, c := range a.Chains {
		if len(c.Tokens) > 0 || len(c.Routers) > 0 {
			return false
		}
	}
	return true
}

// Token resolves a token by symbol on one chain, case-insensitively.
func (a *Allowlist) Token(chainID, symbol string) (TokenInfo, bool) {
	c, ok := a.Chains[chainID]
	if !ok {
		return TokenInfo{}, false
	}
	for sym, info := range c.Tokens {
		if strings.EqualFold(sym, symbol) {
			return info, true
		}
	}
	return TokenInfo{}, false
}

// Router resolves a router by key on one chain, case-insensitively.
func (a *Allowlist) Router(chainID, key string) (RouterInfo, bool) {
	c, ok := a.Chains[chainID]
	if !ok {
		return RouterInfo{}, false
	}
	for k, info := range c.Routers {
		if strings.EqualFold(k, key) {
			return info, true
		}
	}
	return RouterInfo{}, false
}

// WrappedNative resolves the chain's wrapped native token.
func (a *Allowlist) WrappedNative(chainID string) (TokenInfo, bool) {
	c, ok := a.Chains[chainID]
	if !ok || c.WrappedNative == "" {
		return TokenInfo{}, false
	}
	return a.Token(chainID, c.WrappedNative)
}

// AllowedTargets returns the lowercase set of addresses a candidate `to`
// may point at on one chain: every vetted token and router.
func (a *Allowlist) AllowedTargets(chainID string) map[string]struct{} {
	targets := map[string]struct{}{}
	c, ok := a.Chains[chainID]
	if !ok {
		return targets
	}
	for _, t := range c.Tokens {
		targets[strings.ToLower(t.Address)] = struct{}{}
	}
	for _, r := range c.Routers {
		targets[strings.ToLower(r.Address)] = struct{}{}
	}
	return targets
}

// RouterByAddress resolves a router by its contract address on one chain.
func (a *Allowlist) RouterByAddress(chainID, address string) (string, RouterInfo, bool) {
	c, ok := a.Chains[chainID]
	if !ok {
		return "", RouterInfo{}, false
	}
	for key, info := range c.Routers {
		if strings.EqualFold(info.Address, address) {
			return key, info, true
		}
	}
	return "", RouterInfo{}, false
}

// TokenByAddress resolves a token by its contract address on one chain.
func (a *Allowlist) TokenByAddress(chainID, address string) (string, TokenInfo, bool) {
	c, ok := a.Chains[chainID]
	if !ok {
		return "", TokenInfo{}, false
	}
	for sym, info := range c.Tokens {
		if strings.EqualFold(info.Address, address) {
			return sym, info, true
		}
	}
	return "", TokenInfo{}, false
}
