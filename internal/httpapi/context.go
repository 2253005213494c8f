package httpapi

import "context"

// serverBaseCtx is canceled on process shutdown; resolve waits observe it
// alongside the request context. Background until SetBaseContext.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level context. nil restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts derives from req (keeping its values and deadline) and also
// cancels when base is done. cancel must be called when the handler returns.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(req)
	stop := context.AfterFunc(base, func() { cancel(context.Cause(base)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
