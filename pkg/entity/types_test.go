package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEntity_ParseDataType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want DataType
	}{
		{"STRING", Scalar(TypeString)},
		{" integer ", Scalar(TypeInteger)},
		{"STRING(255)", Scalar(TypeString)},
		{"ARRAY[STRING]", ArrayOf(TypeString)},
		{"ARRAY(STRING)", ArrayOf(TypeString)},
		{"array[integer]", ArrayOf(TypeInteger)},
		{"STRING[]", ArrayOf(TypeString)},
		{"JSONB", Scalar(TypeJSONB)},
		{"TIMESTAMP", Scalar(TypeTimestamp)},
	}
	for _, tt := range tests {
		got, err := ParseDataType(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	got, err := ParseDataType("GEOMETRY")
	require.Error(t, err)
	require.Equal(t, ScalarType("GEOMETRY"), got.Scalar)
	require.False(t, got.Known())

	_, err = ParseDataType("")
	require.Error(t, err)
}

func TestEntity_DataType_YAML(t *testing.T) {
	t.Parallel()

	var c Column
	require.NoError(t, yaml.Unmarshal([]byte(`{name: tags, type: "ARRAY[STRING]"}`), &c))
	require.Equal(t, ArrayOf(TypeString), c.Type)
	require.Equal(t, "ARRAY[STRING]", c.Type.String())

	out, err := yaml.Marshal(c)
	require.NoError(t, err)
	require.Contains(t, string(out), "ARRAY[STRING]")

	require.Error(t, yaml.Unmarshal([]byte(`{name: x, type: POINT}`), &c))
}

func TestEntity_GroupByModel(t *testing.T) {
	t.Parallel()

	reg, err := DefaultRegistry()
	require.NoError(t, err)

	fields := []FieldDescriptor{
		{Name: "category", Models: []string{"Session"}, Type: Scalar(TypeString), AllowFiltering: true, OrganizationCode: "org1"},
		{Name: "category", Models: []string{"session"}, Type: Scalar(TypeText), AllowFiltering: true, OrganizationCode: "org2"},
		{Name: "designation", Models: []string{"User", "Session"}, Type: ArrayOf(TypeString), AllowFiltering: true},
		{Name: "hidden", Models: []string{"User"}, Type: Scalar(TypeString), AllowFiltering: false},
		{Name: "orphan", Models: []string{"Unknown"}, Type: Scalar(TypeString), AllowFiltering: true},
	}

	grouped := GroupByModel(fields, reg.Models())
	require.Len(t, grouped, 2)
	require.Len(t, grouped["Session"], 2)
	require.Equal(t, "org1", grouped["Session"][0].OrganizationCode)
	require.Equal(t, "designation", grouped["Session"][1].Name)
	require.Len(t, grouped["User"], 1)
	require.Equal(t, "designation", grouped["User"][0].Name)
}
