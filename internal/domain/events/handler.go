package events

import "context"

// HandlerFunc processes one event. Handlers run on the dispatcher's goroutine
// in emission order and may call back into the pipeline.
type HandlerFunc func(ctx context.Context, evt Event)
