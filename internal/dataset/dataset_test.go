package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/schema"
)

const sessions = `row_id,PageValues,Month,Weekend,Revenue
1,0,Feb,FALSE,FALSE
2,23.5,Nov,TRUE,TRUE
3,5.1,Mar,FALSE,False
`

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(sessions), Options{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, schema.RawInput{"PageValues": "23.5", "Month": "Nov", "Weekend": "TRUE"}, rows[1].Input)
	assert.True(t, rows[1].Label)
	assert.False(t, rows[2].Label)
	_, hasID := rows[0].Input[RowIDColumn]
	assert.False(t, hasID)
	assert.Equal(t, 1, Positives(rows))
}

func TestReadCSV_ValidatesAgainstSchema(t *testing.T) {
	s, err := schema.New([]schema.Feature{
		{Name: "PageValues", Kind: schema.Numeric, Min: 0, Max: 400},
		{Name: "Weekend", Kind: schema.Boolean},
	})
	require.NoError(t, err)

	rows, err := ReadCSV(strings.NewReader(sessions), Options{Schema: s})
	require.NoError(t, err)
	for _, r := range rows {
		_, err := s.Validate(r.Input)
		require.NoError(t, err)
	}
}

func TestReadCSV_Errors(t *testing.T) {
	cases := map[string]struct {
		data string
		opts Options
	}{
		"empty":        {"", Options{}},
		"no label":     {"a,b\n1,2\n", Options{}},
		"header only":  {"a,Revenue\n", Options{}},
		"bad label":    {"a,Revenue\n1,maybe\n", Options{}},
		"ragged":       {"a,Revenue\n1,true,extra\n", Options{}},
		"custom label": {"a,Revenue\n1,true\n", Options{LabelColumn: "converted"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tc.data), tc.opts)
			assert.Error(t, err)
		})
	}
}

func TestReadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	require.NoError(t, os.WriteFile(path, []byte(sessions), 0o644))
	rows, err := ReadCSVFile(path, Options{Drop: []string{"Month"}})
	require.NoError(t, err)
	assert.NotContains(t, rows[0].Input, "Month")

	_, err = ReadCSVFile(filepath.Join(t.TempDir(), "missing.csv"), Options{})
	assert.Error(t, err)
}

func TestFromValues(t *testing.T) {
	names := []string{"row_id", "PageValues", "TrafficType", "Revenue"}
	row, err := fromValues(names, []any{int64(7), 12.5, int32(2), true}, Options{})
	require.NoError(t, err)
	assert.True(t, row.Label)
	assert.Equal(t, schema.RawInput{"PageValues": 12.5, "TrafficType": int32(2)}, row.Input)

	row, err = fromValues(names, []any{int64(8), nil, int32(1), int64(0)}, Options{})
	require.NoError(t, err)
	assert.False(t, row.Label)
	assert.NotContains(t, row.Input, "PageValues", "nulls are left missing")

	_, err = fromValues(names[:3], []any{int64(1), 1.0, int32(1)}, Options{})
	assert.Error(t, err)
	_, err = fromValues(names, []any{int64(1), 1.0, int32(1), nil}, Options{})
	assert.Error(t, err)
}
