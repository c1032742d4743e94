package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rewired-gh/firmscr/internal/filter"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

// ErrResponse is the JSON body of every failed request
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	ErrorText      string `json:"error"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadRequest,
		ErrorText:      err.Error(),
	}
}

func errBadGateway(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusBadGateway,
		ErrorText:      "Boundary service unavailable",
	}
}

func errUnexpected(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: http.StatusInternalServerError,
		ErrorText:      "Internal Server Error",
	}
}

// errFor picks the response for a failed load or selection
func errFor(err error) render.Renderer {
	switch {
	case errors.Is(err, filter.ErrUnknownSelection):
		return errInvalidRequest(err)
	case errors.Is(err, wfs.ErrFetch):
		return errBadGateway(err)
	}
	return errUnexpected(err)
}
