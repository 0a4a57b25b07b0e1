package tooling

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// TypedHandler executes a tool call whose arguments have already been
// decoded into T.
type TypedHandler[T any] func(ctx context.Context, args T) (string, error)

// RegisterTyped derives a JSON-schema descriptor from T via reflection and
// registers a handler that decodes arguments into T before dispatch. This
// avoids hand-written schema maps for the common case of a tool whose
// input is a plain Go struct.
func RegisterTyped[T any](r *Registry, name, description string, handler TypedHandler[T]) error {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema, err := json.Marshal(reflector.Reflect(new(T)))
	if err != nil {
		return err
	}
	return r.Register(name, description, schema, func(ctx context.Context, arguments json.RawMessage) (string, error) {
		var args T
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
		}
		return handler(ctx, args)
	})
}
