package scenario

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// 集合中的每个文档：{class: 要素类型, data: GeoJSON Feature}
type document struct {
	Class string          `bson:"class"`
	Data  geojson.Feature `bson:"data"`
}

// LoadMongo 从MongoDB集合加载场景，文档格式同LoadGeoJSON中的要素
func LoadMongo(ctx context.Context, coll *mongo.Collection) (*Scenario, error) {
	s := &Scenario{}
	for _, class := range []string{KIND_JUNCTION, KIND_SEGMENT, KIND_INFRA, KIND_ERV, KIND_VEHICLE} {
		cur, err := coll.Find(ctx, bson.M{"class": class})
		if err != nil {
			return nil, fmt.Errorf("find %s in %s: %w", class, coll.Name(), err)
		}
		var docs []document
		if err := cur.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("decode %s in %s: %w", class, coll.Name(), err)
		}
		if err := s.addDocuments(class, docs); err != nil {
			return nil, fmt.Errorf("%s: %w", coll.Name(), err)
		}
		log.Debugf("loaded %d %s documents from %s", len(docs), class, coll.Name())
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario in %s: %w", coll.Name(), err)
	}
	return s, nil
}

func (s *Scenario) addDocuments(class string, docs []document) error {
	for i := range docs {
		if err := s.addFeature(class, &docs[i].Data); err != nil {
			return fmt.Errorf("%s document %d: %w", class, i, err)
		}
	}
	return nil
}
