package attribution

import "context"

type ctxKey struct{}

// WithSymbol returns a context carrying the symbol the enclosing job is
// analyzing. This is the preferred attribution mechanism: new code should
// thread the context and read the symbol back with FromContext.
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, ctxKey{}, symbol)
}

// FromContext returns the symbol carried by ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKey{}).(string)
	return s, ok && s != ""
}
