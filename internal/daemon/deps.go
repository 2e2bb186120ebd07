// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/llamad/llamad/internal/health"
)

// Deps carries what the manager needs to serve HTTP.
type Deps struct {
	// Logger is the daemon-scoped structured logger.
	Logger zerolog.Logger

	// Listen is the API listen address. Port zero picks a free port;
	// the bound port lands in .runtime/ports.json either way.
	Listen string

	// DataDir is where runtime files (ports.json, health.json) go.
	// Empty disables runtime files.
	DataDir string

	// Handler is the assembled API router.
	Handler http.Handler

	// Health gates /readyz. The manager calls MarkReady once the
	// listener is bound. May be nil.
	Health *health.Manager
}

// Validate checks the required dependencies.
func (d *Deps) Validate() error {
	if d.Handler == nil {
		return ErrMissingHandler
	}
	if d.Listen == "" {
		return ErrMissingListen
	}
	return nil
}
