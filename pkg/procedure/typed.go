package procedure

import (
	"context"
	"fmt"

	"github.com/casual-simulation/casualos-sub007/pkg/schema"
)

// NoQuery is the query type of procedures without a query schema.
type NoQuery struct{}

// Typed adapts a handler over decoded Go structs. The dispatcher has already
// validated input and query against their schemas, so a decode failure here
// means the schema and the struct disagree.
func Typed[In, Q any](fn func(ctx context.Context, in In, call *Call, query Q) (any, error)) Handler {
	return func(ctx context.Context, input map[string]any, call *Call, query map[string]any) (any, error) {
		var in In
		if input != nil {
			if err := schema.Decode(input, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
		}
		var q Q
		if query != nil {
			if err := schema.Decode(query, &q); err != nil {
				return nil, fmt.Errorf("decode query: %w", err)
			}
		}
		return fn(ctx, in, call, q)
	}
}
