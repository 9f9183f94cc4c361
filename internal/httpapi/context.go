package httpapi

import "context"

// serverBaseCtx is cancelled on process shutdown so synchronous waits do
// not outlive the server. Background until configured.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process-level context joined with each
// request's context by the synchronous handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts derives from base a context that is additionally cancelled
// when req is done. The returned cancel releases the watch and must be
// called when the handler returns.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(req, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
