package selection

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		lines     []snowflake.ID
		schedules []snowflake.ID
		want      domain.MatchType
	}{
		{name: "one to one", lines: []snowflake.ID{1}, schedules: []snowflake.ID{10}, want: domain.MatchTypeOneToOne},
		{name: "one to many", lines: []snowflake.ID{1}, schedules: []snowflake.ID{10, 11}, want: domain.MatchTypeOneToMany},
		{name: "many to one", lines: []snowflake.ID{1, 2}, schedules: []snowflake.ID{10}, want: domain.MatchTypeManyToOne},
		{name: "many to many", lines: []snowflake.ID{1, 2}, schedules: []snowflake.ID{10, 11}, want: domain.MatchTypeManyToMany},
		{name: "duplicates collapse", lines: []snowflake.ID{1, 1}, schedules: []snowflake.ID{10, 10, 0}, want: domain.MatchTypeOneToOne},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Classify(tc.lines, tc.schedules)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("empty side", func(t *testing.T) {
		_, err := Classify(nil, []snowflake.ID{10})
		assert.ErrorIs(t, err, domain.ErrEmptySelection)
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = Classify([]snowflake.ID{1}, []snowflake.ID{0})
		assert.ErrorIs(t, err, domain.ErrEmptySelection)
	})
}

func TestDedupeKeepsOrder(t *testing.T) {
	assert.Equal(t, []snowflake.ID{3, 1, 2}, Dedupe([]snowflake.ID{3, 0, 1, 3, 2, 1}))
}
