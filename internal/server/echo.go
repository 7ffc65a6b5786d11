package server

import (
	"github.com/labstack/echo/v4"
)

// MountEcho serves the router from an existing echo instance under its base path.
func MountEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	base := r.BasePath()
	if base == "" {
		e.Any("/*", h)
		return
	}
	e.Any(base, h)
	e.Any(base+"/*", h)
}
