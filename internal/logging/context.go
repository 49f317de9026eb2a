package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestCtxKey struct{}
type actorCtxKey struct{}
type itemCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id, _ := ctx.Value(actorCtxKey{}).(string); id != "" {
		fields = append(fields, zap.String("actor.id", id))
	}
	if id, _ := ctx.Value(itemCtxKey{}).(string); id != "" {
		fields = append(fields, zap.String("item.id", id))
	}
	return fields
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actorID)
}

func WithItem(ctx context.Context, itemID string) context.Context {
	return context.WithValue(ctx, itemCtxKey{}, itemID)
}
