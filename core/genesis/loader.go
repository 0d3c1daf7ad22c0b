package genesis

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"marketd/core/state"
)

// Applied reports whether genesis has already been applied to the state. A
// non-empty token registry marks an initialised store; the registry is only
// ever written by Apply and token registration is append-only.
func Applied(manager *state.Manager) (bool, error) {
	if manager == nil {
		return false, fmt.Errorf("state manager must not be nil")
	}
	list, err := manager.TokenList()
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// Apply writes the validated spec into state: the token registry first, then
// the balance allocations. Iteration is sorted so repeated boots from the
// same document produce identical state.
func Apply(spec *Spec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	tokens := append([]TokenSpec(nil), spec.Tokens...)
	sort.Slice(tokens, func(i, j int) bool {
		return strings.ToUpper(tokens[i].Symbol) < strings.ToUpper(tokens[j].Symbol)
	})
	for i := range tokens {
		token := &tokens[i]
		if err := manager.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			return fmt.Errorf("register token %q: %w", token.Symbol, err)
		}
	}

	accounts := make([]string, 0, len(spec.Alloc))
	for account := range spec.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, account := range accounts {
		parsed, err := ParseAccount(account)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", account, err)
		}
		balances := spec.Alloc[account]
		symbols := make([]string, 0, len(balances))
		for symbol := range balances {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(balances[symbol]), 10)
			if !ok {
				return fmt.Errorf("alloc[%q][%q]: invalid amount %q", account, symbol, balances[symbol])
			}
			if err := manager.SetBalance(parsed[:], symbol, amount); err != nil {
				return fmt.Errorf("alloc[%q][%q]: %w", account, symbol, err)
			}
		}
	}
	return nil
}
