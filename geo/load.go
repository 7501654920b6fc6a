package geo

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ShapefileOptions configures LoadShapefile.
type ShapefileOptions struct {
	// LabelField is the attribute column holding the class, either as a label
	// name from Labels or as an integer id.
	LabelField string
	Labels     LabelSet
	// TargetProj is a proj4 string the geometries are reprojected to. Empty
	// keeps the shapefile's own reference system.
	TargetProj string
}

// LoadShapefile reads labelled polygons from a shapefile. Records whose label
// cannot be resolved are skipped and counted.
func LoadShapefile(path string, opts ShapefileOptions) (regions []*Region, skipped int, err error) {
	dec, err := shp.NewDecoder(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	defer dec.Close()

	var trans proj.Transformer
	crs := ""
	if opts.TargetProj != "" {
		src, err := dec.SR()
		if err != nil {
			return nil, 0, fmt.Errorf("read projection of %s: %w", path, err)
		}
		dst, err := proj.Parse(opts.TargetProj)
		if err != nil {
			return nil, 0, fmt.Errorf("parse target projection: %w", err)
		}
		trans, err = src.NewTransform(dst)
		if err != nil {
			return nil, 0, fmt.Errorf("build transform for %s: %w", path, err)
		}
		crs = opts.TargetProj
	}

	for {
		g, fields, more := dec.DecodeRowFields(opts.LabelField)
		if !more {
			break
		}
		label, ok := resolveLabel(fields[opts.LabelField], opts.Labels)
		if !ok {
			skipped++
			continue
		}
		if trans != nil {
			g, err = g.Transform(trans)
			if err != nil {
				return nil, 0, fmt.Errorf("reproject record: %w", err)
			}
		}
		switch gg := g.(type) {
		case geom.Polygon:
			regions = append(regions, NewRegion(gg, label, crs))
		case geom.MultiPolygon:
			for _, p := range gg {
				regions = append(regions, NewRegion(p, label, crs))
			}
		default:
			skipped++
		}
	}
	if err := dec.Error(); err != nil {
		return nil, 0, fmt.Errorf("decode shapefile %s: %w", path, err)
	}
	return regions, skipped, nil
}

// LoadGeoJSON reads labelled polygons from a GeoJSON FeatureCollection. The
// class is read from the labelProperty feature property.
func LoadGeoJSON(r io.Reader, labelProperty string, labels LabelSet, crs string) (regions []*Region, skipped int, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, 0, fmt.Errorf("unmarshal geojson: %w", err)
	}
	for _, f := range fc.Features {
		label, ok := resolveLabel(fmt.Sprint(f.Properties[labelProperty]), labels)
		if !ok {
			skipped++
			continue
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			regions = append(regions, NewRegion(fromOrb(g), label, crs))
		case orb.MultiPolygon:
			for _, p := range g {
				regions = append(regions, NewRegion(fromOrb(p), label, crs))
			}
		case orb.Bound:
			regions = append(regions, NewRegion(fromOrb(g.ToPolygon()), label, crs))
		default:
			skipped++
		}
	}
	return regions, skipped, nil
}

func fromOrb(p orb.Polygon) geom.Polygon {
	out := make(geom.Polygon, len(p))
	for i, ring := range p {
		path := make([]geom.Point, len(ring))
		for j, pt := range ring {
			path[j] = geom.Point{X: pt.X(), Y: pt.Y()}
		}
		out[i] = path
	}
	return out
}

// resolveLabel maps a raw attribute value to a label id by name first and by
// integer id second.
func resolveLabel(raw string, labels LabelSet) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "<nil>" {
		return 0, false
	}
	if l, ok := labels.ByName(raw); ok {
		return l.ID, true
	}
	id, err := strconv.ParseFloat(raw, 64)
	if err != nil || id != float64(int(id)) {
		return 0, false
	}
	if !labels.Has(int(id)) {
		return 0, false
	}
	return int(id), true
}
