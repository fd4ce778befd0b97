package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// FactsFor builds the activation passed to a compiled filter, e.g.
// `Product.Stock > 10 && Product.Group != "Outlet"`.
func FactsFor(p Product) map[string]any {
	price, _ := p.CurrentPrice.Float64()
	return map[string]any{
		"Product": map[string]any{
			"ID":    p.ID,
			"Name":  p.Name,
			"Group": p.GroupName,
			"Price": price,
			"Stock": int64(p.Stock),
		},
	}
}

// NewFilterEnv creates the CEL environment filter expressions compile against
func NewFilterEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("Product", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

var (
	checkEnvOnce sync.Once
	checkEnv     *cel.Env
	checkEnvErr  error
)

// checkExpression compiles expr without keeping the program
func checkExpression(expr string) error {
	checkEnvOnce.Do(func() {
		checkEnv, checkEnvErr = NewFilterEnv()
	})
	if checkEnvErr != nil {
		return checkEnvErr
	}
	if _, issues := checkEnv.Compile(expr); issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	return nil
}
