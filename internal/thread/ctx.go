package thread

import "context"

type ctxKey struct{}

// WithContext returns ctx carrying the calling thread, so a syscall handler
// shared by all threads of a process can resolve which thread invoked it.
func WithContext(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the thread carried by ctx, or nil.
func FromContext(ctx context.Context) *Thread {
	t, _ := ctx.Value(ctxKey{}).(*Thread)
	return t
}
