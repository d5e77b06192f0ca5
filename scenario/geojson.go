package scenario

import (
	"fmt"
	"os"
	"strings"

	"git.fiblab.net/general/common/v2/geometry"
	"git.fiblab.net/sim/erv/sim"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// 要素类型，取自properties.kind
const (
	KIND_SEGMENT  = "segment"
	KIND_JUNCTION = "junction"
	KIND_INFRA    = "infra"
	KIND_ERV      = "erv"
	KIND_VEHICLE  = "vehicle"
)

// LoadGeoJSON 从GeoJSON文件加载场景
//   - LineString: kind=segment, id, from, to, 可选length（缺省为折线长度）
//   - Point: kind=junction|infra|erv|vehicle
func LoadGeoJSON(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s := &Scenario{}
	for i, f := range fc.Features {
		kind := KIND_SEGMENT
		if k, ok := f.Properties["kind"].(string); ok {
			kind = k
		}
		if err := s.addFeature(kind, f); err != nil {
			return nil, fmt.Errorf("feature %d of %s: %w", i, path, err)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return s, nil
}

func toPoint(p orb.Point) geometry.Point {
	return geometry.Point{X: p.X(), Y: p.Y()}
}

// 读取数值属性，兼容JSON(float64)与BSON(int32/int64)
func number(props geojson.Properties, key string, def float64) (float64, error) {
	switch v := props[key].(type) {
	case nil:
		return def, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("property %s is %T, not a number", key, v)
	}
}

func str(props geojson.Properties, key string, def string) (string, error) {
	switch v := props[key].(type) {
	case nil:
		return def, nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("property %s is %T, not a string", key, v)
	}
}

// 路线可以是逗号分隔的字符串或字符串数组（JSON或BSON）
func route(props geojson.Properties, key string) ([]string, error) {
	switch v := props[key].(type) {
	case string:
		return strings.Split(v, ","), nil
	case primitive.A:
		return route(geojson.Properties{key: []interface{}(v)}, key)
	case []interface{}:
		segs := make([]string, 0, len(v))
		for _, x := range v {
			seg, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("property %s contains %T", key, x)
			}
			segs = append(segs, seg)
		}
		return segs, nil
	default:
		return nil, fmt.Errorf("property %s is %T, not a route", key, v)
	}
}

func (s *Scenario) addFeature(kind string, f *geojson.Feature) error {
	props := f.Properties
	id, err := str(props, "id", "")
	if err != nil {
		return err
	}
	if id == "" {
		if fid, ok := f.ID.(string); ok {
			id = fid
		} else {
			return fmt.Errorf("%s without id", kind)
		}
	}
	switch kind {
	case KIND_SEGMENT:
		line, ok := f.Geometry.(orb.LineString)
		if !ok || len(line) < 2 {
			return fmt.Errorf("segment %s: geometry is %T, need a LineString", id, f.Geometry)
		}
		from, err := str(props, "from", "")
		if err != nil {
			return err
		}
		to, err := str(props, "to", "")
		if err != nil {
			return err
		}
		length, err := number(props, "length", planar.Length(line))
		if err != nil {
			return err
		}
		s.Segments = append(s.Segments, sim.Segment{
			ID:     id,
			From:   from,
			To:     to,
			Length: length,
			Start:  toPoint(line[0]),
			End:    toPoint(line[len(line)-1]),
		})
		return nil
	}
	p, ok := f.Geometry.(orb.Point)
	if !ok {
		return fmt.Errorf("%s %s: geometry is %T, need a Point", kind, id, f.Geometry)
	}
	switch kind {
	case KIND_JUNCTION:
		s.Junctions = append(s.Junctions, Junction{ID: id, Position: toPoint(p)})
	case KIND_INFRA:
		name, err := str(props, "name", id)
		if err != nil {
			return err
		}
		radius, err := number(props, "radius", DEFAULT_RADIUS)
		if err != nil {
			return err
		}
		s.Infra = append(s.Infra, Infra{ID: id, Name: name, Position: toPoint(p), Radius: radius})
	case KIND_ERV:
		home, err := str(props, "home", "")
		if err != nil {
			return err
		}
		readiness, err := number(props, "readiness", DEFAULT_READINESS)
		if err != nil {
			return err
		}
		s.ERVs = append(s.ERVs, ERV{ID: id, Home: home, Readiness: readiness})
	case KIND_VEHICLE:
		r, err := route(props, "route")
		if err != nil {
			return err
		}
		pos, err := number(props, "pos", 0)
		if err != nil {
			return err
		}
		s.Vehicles = append(s.Vehicles, Vehicle{ID: id, Route: r, Pos: pos})
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}
