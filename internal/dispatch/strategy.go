// Package dispatch hands validated commands to the downstream automation,
// either by relaying them into a department chat or by calling the remote
// execution API.
package dispatch

import (
	"context"
	"fmt"

	"adrelay/internal/domain"
)

// Strategy executes a command downstream. One strategy is active per
// deployment, selected at startup.
//
// A returned error is a failure to reach the downstream at all; a result
// with Success=false is a definitive rejection. Callers treat both as a
// failed dispatch and never retry.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, cmd domain.Command, department string) (domain.DispatchResult, error)
}

const (
	StrategyRelay  = "relay"
	StrategyDirect = "direct"
)

// ValidateName checks a configured strategy name.
func ValidateName(name string) error {
	switch name {
	case StrategyRelay, StrategyDirect:
		return nil
	default:
		return fmt.Errorf("unknown dispatch strategy %q", name)
	}
}
