// Package fetch provides the outbound page-retrieval strategies: a static
// HTTP fetch and a rendered fetch backed by a pooled headless browser.
package fetch

import (
	"context"

	"github.com/sells-group/webtools/internal/model"
)

// Strategy performs one network retrieval for a request. Implementations
// classify failures into the structured error kinds (timeout, connection,
// http status) so retry and fallback decisions can be made upstream.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, req model.FetchRequest) (*model.FetchResult, error)
}
