package pipeline

import (
	"fmt"

	"github.com/rewired-gh/firmscr/internal/config"
	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/spatial"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

// FromConfig derives the run inputs and join options from the application config
func FromConfig(cfg *config.Config) (Inputs, Options, error) {
	opts := DefaultOptions

	composition, err := ParseComposition(cfg.Join.Composition)
	if err != nil {
		return Inputs{}, Options{}, err
	}
	opts.Composition = composition

	if opts.Predicate, err = spatial.ParsePredicate(cfg.Join.Predicate); err != nil {
		return Inputs{}, Options{}, err
	}

	inputs := Inputs{
		HotspotsCSV: cfg.Data.HotspotsCSV,
		Areas:       layerRequest(cfg.Boundaries.Conservation, models.LayerConservationArea),
		Cantons:     layerRequest(cfg.Boundaries.Canton, models.LayerCanton),
	}

	if lc := cfg.Boundaries.LandCover; lc.Enabled() {
		if opts.LandCoverPredicate, err = spatial.ParsePredicate(lc.Predicate); err != nil {
			return Inputs{}, Options{}, fmt.Errorf("land cover: %w", err)
		}
		inputs.LandCover = &LandCoverSource{
			Path:       lc.Path,
			Table:      lc.Table,
			ClassField: lc.ClassField,
		}
	}

	return inputs, opts, nil
}

func layerRequest(l config.LayerConfig, kind models.LayerKind) wfs.LayerRequest {
	return wfs.LayerRequest{
		URL:       l.URL,
		Layer:     l.Layer,
		Version:   l.Version,
		NameField: l.NameField,
		SRSName:   l.SRSName,
		Kind:      kind,
	}
}
