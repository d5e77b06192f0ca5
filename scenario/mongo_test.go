package scenario

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func feature(g orb.Geometry, props geojson.Properties) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.Properties = props
	return f
}

// 经过BSON编解码，与集合中读出的文档一致
func documents(t *testing.T, class string, features ...*geojson.Feature) []document {
	docs := make([]document, 0, len(features))
	for _, f := range features {
		raw, err := bson.Marshal(bson.M{"class": class, "data": f})
		require.NoError(t, err)
		var doc document
		require.NoError(t, bson.Unmarshal(raw, &doc))
		assert.Equal(t, class, doc.Class)
		docs = append(docs, doc)
	}
	return docs
}

func TestAddDocuments(t *testing.T) {
	s := &Scenario{}
	require.NoError(t, s.addDocuments(KIND_JUNCTION, documents(t, KIND_JUNCTION,
		feature(orb.Point{0, 0}, geojson.Properties{"id": "P"}),
	)))
	require.NoError(t, s.addDocuments(KIND_SEGMENT, documents(t, KIND_SEGMENT,
		feature(orb.LineString{{0, 0}, {30, 40}}, geojson.Properties{"id": "P_Q", "from": "P", "to": "Q"}),
		feature(orb.LineString{{30, 40}, {0, 0}}, geojson.Properties{"id": "Q_P", "from": "Q", "to": "P", "length": 80}),
	)))
	require.NoError(t, s.addDocuments(KIND_INFRA, documents(t, KIND_INFRA,
		feature(orb.Point{10, 10}, geojson.Properties{"id": "EdgeNode_P", "radius": 150}),
	)))
	require.NoError(t, s.addDocuments(KIND_ERV, documents(t, KIND_ERV,
		feature(orb.Point{0, 0}, geojson.Properties{"id": "ambulance0", "home": "P_Q", "readiness": 0}),
		feature(orb.Point{0, 0}, geojson.Properties{"id": "ambulance1", "home": "Q_P"}),
	)))
	require.NoError(t, s.addDocuments(KIND_VEHICLE, documents(t, KIND_VEHICLE,
		feature(orb.Point{0, 0}, geojson.Properties{"id": "veh0", "route": []string{"P_Q", "Q_P"}, "pos": 5}),
	)))
	require.NoError(t, s.Validate())

	require.Len(t, s.Segments, 2)
	assert.InDelta(t, 50, s.Segments[0].Length, 1e-9)
	assert.Equal(t, 80.0, s.Segments[1].Length)
	require.Len(t, s.Infra, 1)
	assert.Equal(t, "EdgeNode_P", s.Infra[0].Name)
	assert.Equal(t, 150.0, s.Infra[0].Radius)
	// 待命度0保留，缺省时取默认值
	assert.Equal(t, []ERV{
		{ID: "ambulance0", Home: "P_Q", Readiness: 0},
		{ID: "ambulance1", Home: "Q_P", Readiness: DEFAULT_READINESS},
	}, s.ERVs)
	assert.Equal(t, []Vehicle{{ID: "veh0", Route: []string{"P_Q", "Q_P"}, Pos: 5}}, s.Vehicles)

	err := s.addDocuments(KIND_SEGMENT, documents(t, KIND_SEGMENT,
		feature(orb.Point{0, 0}, geojson.Properties{"id": "X_Y"}),
	))
	assert.ErrorContains(t, err, "segment document 0")
}
