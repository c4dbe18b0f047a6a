package provider

import (
	"context"
)

// Middleware wraps a Client with additional behavior. Middlewares are
// composed with Chain() to form a processing pipeline around the raw
// SDK adapter.
type Middleware func(next Client) Client

// clientFunc adapts plain functions to the Client interface so
// middleware implementations do not need their own struct types.
type clientFunc struct {
	complete  func(context.Context, Request) (Response, error)
	healthy   func(context.Context) bool
	name      func() string
	modelName func() string
}

func (f clientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.complete(ctx, req)
}

func (f clientFunc) Healthy(ctx context.Context) bool {
	return f.healthy(ctx)
}

func (f clientFunc) Name() string {
	return f.name()
}

func (f clientFunc) ModelName() string {
	return f.modelName()
}

// WrapClient builds a Client whose Complete is the provided function and
// whose remaining methods delegate to next. Health probes and identity
// always pass through untouched.
func WrapClient(next Client, complete func(context.Context, Request) (Response, error)) Client {
	return clientFunc{
		complete:  complete,
		healthy:   next.Healthy,
		name:      next.Name,
		modelName: next.ModelName,
	}
}

// Chain composes middlewares around a base client. Middlewares apply in
// order, earlier ones outermost:
//
//	Chain(client, mw1, mw2) => mw1 -> mw2 -> client
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
