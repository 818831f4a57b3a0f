package party

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]Party{
		{ID: "greens", Name: "Greens", LongName: "The Green Party"},
		{ID: "spd", Name: "SPD", LongName: "Sozialdemokratische Partei Deutschlands"},
		{ID: "cdu", Name: "CDU/CSU"},
	})
	require.NoError(t, err)
	return r
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Party{{ID: "a"}, {ID: "a"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry([]Party{{ID: AssistantID}})
	assert.ErrorContains(t, err, "reserved")

	_, err = NewRegistry([]Party{{Name: "no id"}})
	assert.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	r := testRegistry(t)

	p, ok := r.Lookup("spd")
	require.True(t, ok)
	assert.Equal(t, "SPD", p.Name)

	_, ok = r.Lookup(AssistantID)
	assert.True(t, ok)

	assert.Equal(t, []string{"cdu", "greens", "spd"}, r.IDs())
	assert.Len(t, r.All(), 3)
	assert.Equal(t, "unknown", r.Name("unknown"))
}

func TestMentioned(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		text string
		want []string
	}{
		{"What is the SPD's position on rent?", []string{"spd"}},
		{"Compare the greens and the CDU/CSU on climate", []string{"cdu", "greens"}},
		{"who leads the coalition", nil},
		{"what does the green party want?", []string{"greens"}},
		{"speeding tickets", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Mentioned(tt.text))
		})
	}
}
