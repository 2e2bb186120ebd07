// SPDX-License-Identifier: MIT

package daemon

import "errors"

var (
	// ErrMissingHandler is returned when no API handler is provided.
	ErrMissingHandler = errors.New("api handler is required")

	// ErrMissingListen is returned when the listen address is empty.
	ErrMissingListen = errors.New("listen address is required")

	// ErrMissingManager is returned when an app is built without a manager.
	ErrMissingManager = errors.New("manager is required")

	// ErrManagerNotStarted is returned when shutting down a manager that never started.
	ErrManagerNotStarted = errors.New("manager not started")
)
