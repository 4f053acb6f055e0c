package readability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/readability-server/internal/worker"
)

// HandlerName is the name worker processes load the extractor under.
const HandlerName = "readability"

func init() {
	worker.Register(HandlerName, Handle)
}

// Handle is the worker entry point. Arguments are (html string, url string, force bool); force
// is optional. A page without an article yields no result rather than an error.
func Handle(ctx context.Context, args []json.RawMessage) (any, error) {
	page, err := worker.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	pageURL, err := worker.Arg[string](args, 1)
	if err != nil {
		return nil, err
	}
	force, err := worker.OptionalArg(args, 2, false)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extract %s: %w", pageURL, err)
	}

	article, err := Extract(page, pageURL, force)
	if err != nil {
		return nil, err
	}
	if article == nil {
		return nil, nil
	}
	return article, nil
}
