package protobuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AshkanYarmoradi/go-locus"
)

func storefront() locus.LocationState {
	created := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	return locus.LocationState{
		ID:           "loc-web",
		Version:      3,
		Name:         "Web Store",
		LocationType: locus.Virtual,
		VirtualLocation: &locus.VirtualLocation{
			Kind:              locus.VirtualWebsite,
			PrimaryIdentifier: "https://shop.example.com",
		},
		Metadata:  map[string]string{"channel": "online"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCodec_Name(t *testing.T) {
	assert.Equal(t, "protobuf", NewCodec().Name())
}

func TestCodec_RoundTrip(t *testing.T) {
	c := NewCodec(WithDeterministic())
	in := storefront()

	data, err := c.Marshal(in)
	require.NoError(t, err)

	out, err := c.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, int64(3), out.Version)
	assert.Equal(t, locus.Virtual, out.LocationType)
	assert.Equal(t, in.VirtualLocation.PrimaryIdentifier, out.VirtualLocation.PrimaryIdentifier)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestCodec_Marshal_IsStruct(t *testing.T) {
	data, err := NewCodec().Marshal(storefront())
	require.NoError(t, err)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &st))
	assert.Equal(t, "Web Store", st.Fields["name"].GetStringValue())
	assert.Equal(t, float64(3), st.Fields["version"].GetNumberValue())
}

func TestCodec_Deterministic(t *testing.T) {
	c := NewCodec(WithDeterministic())
	a, err := c.Marshal(storefront())
	require.NoError(t, err)
	b, err := c.Marshal(storefront())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodec_Unmarshal_Invalid(t *testing.T) {
	_, err := NewCodec().Unmarshal([]byte{0xff, 0xff, 0xff})

	var serr *locus.SerializationError
	assert.ErrorAs(t, err, &serr)
}
