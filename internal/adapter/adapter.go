// Package adapter defines the contract between the scheduler engine and the
// per-protocol action implementations. Adapters are opaque to the core: the
// engine hands them a sized, risk-approved request with a deadline and a
// cancellation context, and maps the typed outcome they return onto task
// state transitions. The package also ships a deterministic simulator used
// in dry-run mode and tests.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"airdrop-farmer/pkg/types"
)

// Request is one approved action handed to an adapter. Proposal carries the
// final (possibly downsized) notional; Wallet resolves the signing identity.
type Request struct {
	Proposal types.ActionProposal
	Wallet   types.Wallet
}

// Estimate is the adapter's pre-flight cost projection for a request.
type Estimate struct {
	NotionalUSD decimal.Decimal
	GasGwei     decimal.Decimal
	Slippage    float64
}

// Adapter executes on-chain actions for one protocol. Execute must honor
// ctx cancellation and deadline, returning promptly with a Timeout or
// cancellation outcome; the engine detaches workers that overstay.
type Adapter interface {
	Execute(ctx context.Context, req Request) (types.ActionOutcome, error)
	Estimate(ctx context.Context, req Request) (Estimate, error)
	Capabilities() []types.ActionKind
}

// Err classifies an adapter failure so the engine can map it onto a task
// transition without string matching. Unwraps to the underlying cause.
type Err struct {
	Kind  types.ErrorKind
	Cause error
}

func (e *Err) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Err) Unwrap() error { return e.Cause }

// NewErr wraps cause with an error kind the engine recognizes.
func NewErr(kind types.ErrorKind, cause error) *Err {
	return &Err{Kind: kind, Cause: cause}
}

// KindOf extracts the error kind from an adapter error. Unclassified errors
// return the empty kind; the engine treats those as transient_rpc for one
// retry and permanent_config after that.
func KindOf(err error) types.ErrorKind {
	var ae *Err
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrKindTimeout
	}
	return types.ErrKindNone
}

// Registry resolves the adapter for a protocol and enforces that proposals
// only carry action kinds the adapter advertises.
type Registry struct {
	mu         sync.RWMutex
	byProtocol map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byProtocol: make(map[string]Adapter)}
}

// Register binds an adapter to a protocol id, replacing any previous binding.
func (r *Registry) Register(protocolID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProtocol[protocolID] = a
}

// For returns the adapter serving the proposal, verifying the action kind is
// within the adapter's capabilities.
func (r *Registry) For(p types.ActionProposal) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.byProtocol[p.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, NewErr(types.ErrKindPermanentConfig,
			fmt.Errorf("no adapter registered for protocol %q", p.Protocol))
	}
	for _, kind := range a.Capabilities() {
		if kind == p.Kind {
			return a, nil
		}
	}
	return nil, NewErr(types.ErrKindPermanentConfig,
		fmt.Errorf("adapter for %q does not support action %q", p.Protocol, p.Kind))
}

// Protocols lists registered protocol ids, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byProtocol))
	for id := range r.byProtocol {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
