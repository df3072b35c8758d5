package pipeline

import (
	"context"
	"net/http"
)

// Handler is the pipeline's entry point as seen by pkg/server: given an
// inbound request, produce the Result to write back. Defined separately so
// the server depends on behavior, not on *Pipeline.
type Handler interface {
	Handle(ctx context.Context, r *http.Request) Result
}
