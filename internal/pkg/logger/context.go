package logger

import (
	"context"
	"log/slog"
)

// ctxKey is a custom struct used for getting/setting log attributes values.
type ctxKey struct{}

// ctxNode is one link of the attribute chain stored in a context.Context.
// WithAttrs never copies a parent's attrs forward into a bigger slice — it
// just prepends a node holding the new ones — so tagging a context with a
// backend and then an address (the common service.go pattern) costs two
// small allocations total, not a slice reallocation per call.
type ctxNode struct {
	attrs  []slog.Attr
	parent *ctxNode
}

// ContextHandler considers log attributes stored within context.Context keys,
// to be logged by methods like slog.InfoContext.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates new ContextHandler instance
// with provided handler as its base.
func NewContextHandler(handler slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: handler}
}

// Handle adds contextual attributes to slog.Record entry
// before calling underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(collectAttrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// collectAttrs walks the chain from root to leaf so that an attribute set
// closer to the logging call (e.g. WithAddress layered on WithBackend)
// appears after, and so wins any key collision against, one set further up.
func collectAttrs(ctx context.Context) []slog.Attr {
	node, ok := ctx.Value(ctxKey{}).(*ctxNode)
	if !ok {
		return nil
	}

	var chain []*ctxNode
	for n := node; n != nil; n = n.parent {
		chain = append(chain, n)
	}

	var attrs []slog.Attr
	for i := len(chain) - 1; i >= 0; i-- {
		attrs = append(attrs, chain[i].attrs...)
	}
	return attrs
}

// WithAttrs creates new context.Context value
// with slog attributes stored within it.
func WithAttrs(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	node := &ctxNode{attrs: attrs}
	if p, ok := parent.Value(ctxKey{}).(*ctxNode); ok {
		node.parent = p
	}

	return context.WithValue(parent, ctxKey{}, node)
}

// WithBackend tags the context with the backend mailbox a log line concerns,
// so every log call downstream of a request against that backend carries it
// without threading it through every function signature.
func WithBackend(parent context.Context, backend string) context.Context {
	return WithAttrs(parent, slog.String("backend", backend))
}

// WithAddress tags the context with the recipient address a request concerns.
func WithAddress(parent context.Context, address string) context.Context {
	return WithAttrs(parent, slog.String("address", address))
}

// ReplaceAttr is a hook used for modifying attribute values.
//
// Currently it is only replacing passed error with their string form.
func ReplaceAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindAny {
		if err, ok := attr.Value.Any().(error); ok {
			attr.Value = slog.StringValue(err.Error())
		}
	}

	return attr
}
