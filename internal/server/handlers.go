package server

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/rewired-gh/firmscr/internal/aggregate"
	"github.com/rewired-gh/firmscr/internal/filter"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/pipeline"
)

// selected is a loaded result narrowed by the request's selection
type selected struct {
	res       *pipeline.Result
	selection filter.Selection
	records   []models.JoinedRecord
}

// load resolves the dataset and selection of a request. On failure the error
// response has already been written.
func (s *Server) load(w http.ResponseWriter, r *http.Request) (*selected, bool) {
	res, err := s.loader.Load(r.Context())
	if err != nil {
		logger.Error("Failed to load dataset: %v", err)
		_ = render.Render(w, r, errFor(err))
		return nil, false
	}

	q := r.URL.Query()
	sel, err := res.Filter.Resolve(q.Get("area"), q.Get("canton"))
	if err != nil {
		_ = render.Render(w, r, errFor(err))
		return nil, false
	}

	return &selected{
		res:       res,
		selection: sel,
		records:   res.Filter.Apply(sel),
	}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	_ = render.Render(w, r, &RunView{
		Meta:      sel.res.Dataset.Meta,
		Selection: sel.selection,
		Total:     len(sel.records),
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	_ = render.Render(w, r, &OptionsView{
		Options: sel.res.Filter.Options(sel.selection),
		Total:   len(sel.records),
	})
}

func (s *Server) handleHotspots(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	_ = render.Render(w, r, newTableView(sel.records))
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, newMarkerViews(sel.records))
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Map
	_ = render.Render(w, r, &MapView{
		Center:          [2]float64{m.CenterLat, m.CenterLon},
		Zoom:            m.Zoom,
		TileURL:         m.TileURL,
		TileAttribution: m.TileAttribution,
	})
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, aggregate.Monthly(sel.records))
}

func (s *Server) handleYearly(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, aggregate.Yearly(sel.records))
}

func (s *Server) handleLandCover(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, aggregate.ByLandCover(sel.records))
}

func (s *Server) handleAreaChoropleth(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	regions := aggregate.Choropleth(sel.res.Areas, aggregate.ByArea(sel.records))
	lo, hi := aggregate.Range(regions)
	render.JSON(w, r, newChoropleth(regions, lo, hi))
}

func (s *Server) handleCantonChoropleth(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.load(w, r)
	if !ok {
		return
	}
	regions := aggregate.Choropleth(sel.res.Cantons, aggregate.ByCanton(sel.records))
	lo, hi := aggregate.Range(regions)
	render.JSON(w, r, newChoropleth(regions, lo, hi))
}
