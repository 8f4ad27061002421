package preset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhis2bridge/internal/clinical"
)

// fakeSource is an in-memory clinical source for preset tests
type fakeSource struct {
	diagnoses  map[string]int64
	procedures map[string]int64
	rows       []clinical.Row
	queryErr   error
	lastQuery  string
	lastScope  [2]time.Time
}

func (f *fakeSource) CountDiagnoses(_ context.Context, code, _ string, start, end time.Time) (int64, error) {
	f.lastScope = [2]time.Time{start, end}
	return f.diagnoses[code], nil
}

func (f *fakeSource) CountProcedures(_ context.Context, code, _ string, start, end time.Time) (int64, error) {
	f.lastScope = [2]time.Time{start, end}
	return f.procedures[code], nil
}

func (f *fakeSource) Query(_ context.Context, query string, start, end time.Time) ([]clinical.Row, error) {
	f.lastQuery = query
	f.lastScope = [2]time.Time{start, end}
	return f.rows, f.queryErr
}

func testScope() Scope {
	return Scope{
		OrgUnitUID:  "OU1",
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDecode(t *testing.T) {
	t.Run("Should decode and validate a disease preset", func(t *testing.T) {
		p, err := Decode("disease", []byte(`{"disease_code":"A00"}`))
		require.NoError(t, err)
		assert.Equal(t, KindDisease, p.Kind())
	})

	t.Run("Should reject unknown preset kinds", func(t *testing.T) {
		_, err := Decode("sum_of_things", []byte(`{}`))
		assert.Error(t, err)
	})

	t.Run("Should reject presets with missing parameters", func(t *testing.T) {
		_, err := Decode("disease", []byte(`{}`))
		assert.Error(t, err)
		_, err = Decode("operation_procedure", []byte(`{}`))
		assert.Error(t, err)
	})

	t.Run("Should list the registered kinds sorted", func(t *testing.T) {
		assert.Equal(t, []Kind{KindDisease, KindOperationProcedure, KindRawQuery}, Kinds())
	})
}

func TestDiseaseEvaluate(t *testing.T) {
	src := &fakeSource{diagnoses: map[string]int64{"A00": 7}}

	t.Run("Should count matching diagnoses", func(t *testing.T) {
		p := &Disease{DiseaseCode: "A00"}
		value, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.Equal(t, "7", value.String())
		assert.Equal(t, ValueInteger, value.Kind)
	})

	t.Run("Should report zero when nothing matches", func(t *testing.T) {
		p := &Disease{DiseaseCode: "B99"}
		value, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.Equal(t, "0", value.String())
	})
}

func TestOperationProcedureEvaluate(t *testing.T) {
	src := &fakeSource{procedures: map[string]int64{"0DT70ZZ": 3}}

	t.Run("Should count matching procedures", func(t *testing.T) {
		p := &OperationProcedure{ProcedureCode: "0DT70ZZ"}
		value, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.Equal(t, "3", value.String())
	})
}

func TestRawQueryValidate(t *testing.T) {
	valid := "SELECT count(*) AS value FROM visits WHERE at >= @period_start AND at < @period_end"

	t.Run("Should accept a well formed select", func(t *testing.T) {
		p := &RawQuery{Query: valid}
		assert.NoError(t, p.Validate())
	})

	t.Run("Should accept CTE queries", func(t *testing.T) {
		p := &RawQuery{Query: "WITH v AS (SELECT 1 AS value) SELECT value FROM v WHERE @period_start < @period_end"}
		assert.NoError(t, p.Validate())
	})

	t.Run("Should reject empty queries", func(t *testing.T) {
		p := &RawQuery{}
		var unsafeErr *UnsafePresetError
		assert.ErrorAs(t, p.Validate(), &unsafeErr)
	})

	t.Run("Should reject non-select statements", func(t *testing.T) {
		p := &RawQuery{Query: "DELETE FROM visits WHERE at < @period_start AND at < @period_end"}
		var unsafeErr *UnsafePresetError
		assert.ErrorAs(t, p.Validate(), &unsafeErr)
	})

	t.Run("Should reject mutating keywords inside a select", func(t *testing.T) {
		for _, query := range []string{
			"SELECT 1 AS value; DROP TABLE visits -- @period_start @period_end",
			"SELECT * FROM visits WHERE note = 'x' AND at >= @period_start AND at < @period_end UNION SELECT 1; UPDATE visits SET note = 'y'",
		} {
			p := &RawQuery{Query: query}
			assert.Error(t, p.Validate(), query)
		}
	})

	t.Run("Should allow column names containing forbidden keywords", func(t *testing.T) {
		p := &RawQuery{Query: "SELECT count(*) AS value FROM visits WHERE updated_at >= @period_start AND created_at < @period_end"}
		assert.NoError(t, p.Validate())
	})

	t.Run("Should require both period placeholders", func(t *testing.T) {
		p := &RawQuery{Query: "SELECT count(*) AS value FROM visits WHERE at >= @period_start"}
		var unsafeErr *UnsafePresetError
		require.ErrorAs(t, p.Validate(), &unsafeErr)
		assert.Contains(t, unsafeErr.Reason, "@period_end")
	})

	t.Run("Should reject multiple statements", func(t *testing.T) {
		p := &RawQuery{Query: "SELECT 1 AS value WHERE @period_start < @period_end; SELECT 2"}
		assert.Error(t, p.Validate())
	})
}

func TestRawQueryEvaluate(t *testing.T) {
	query := "SELECT count(*) AS value FROM visits WHERE at >= @period_start AND at < @period_end"

	t.Run("Should return the value column of the first row", func(t *testing.T) {
		src := &fakeSource{rows: []clinical.Row{{"value": int64(42)}}}
		p := &RawQuery{Query: query}
		value, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.Equal(t, "42", value.String())
	})

	t.Run("Should report zero for an empty result", func(t *testing.T) {
		src := &fakeSource{}
		p := &RawQuery{Query: query}
		value, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.Equal(t, "0", value.String())
	})

	t.Run("Should fail when the value column is missing", func(t *testing.T) {
		src := &fakeSource{rows: []clinical.Row{{"total": int64(5)}}}
		p := &RawQuery{Query: query}
		_, err := p.Evaluate(context.Background(), src, testScope())
		assert.Error(t, err)
	})

	t.Run("Should propagate query errors", func(t *testing.T) {
		src := &fakeSource{queryErr: errors.New("no such table")}
		p := &RawQuery{Query: query}
		_, err := p.Evaluate(context.Background(), src, testScope())
		assert.Error(t, err)
	})

	t.Run("Should strip a trailing semicolon before execution", func(t *testing.T) {
		src := &fakeSource{rows: []clinical.Row{{"value": int64(1)}}}
		p := &RawQuery{Query: query + ";"}
		_, err := p.Evaluate(context.Background(), src, testScope())
		require.NoError(t, err)
		assert.NotContains(t, src.lastQuery, ";")
	})
}

func TestValueCompatibility(t *testing.T) {
	t.Run("Should match integer values to integer declarations", func(t *testing.T) {
		v := IntegerValue(5)
		assert.True(t, v.CompatibleWith("INTEGER"))
		assert.True(t, v.CompatibleWith("INTEGER_ZERO_OR_POSITIVE"))
		assert.True(t, v.CompatibleWith("NUMBER"))
		assert.True(t, v.CompatibleWith("TEXT"))
		assert.False(t, v.CompatibleWith("BOOLEAN"))
	})

	t.Run("Should not report decimals as integers", func(t *testing.T) {
		v := NumberValue(1.5)
		assert.False(t, v.CompatibleWith("INTEGER"))
		assert.True(t, v.CompatibleWith("NUMBER"))
		assert.True(t, v.CompatibleWith("PERCENTAGE"))
	})

	t.Run("Should render wire format values", func(t *testing.T) {
		assert.Equal(t, "5", IntegerValue(5).String())
		assert.Equal(t, "1.5", NumberValue(1.5).String())
		assert.Equal(t, "true", BooleanValue(true).String())
		assert.Equal(t, "positive", TextValue("positive").String())
	})

	t.Run("Should pass through unknown declarations", func(t *testing.T) {
		assert.True(t, TextValue("x").CompatibleWith("COORDINATE"))
	})
}

func TestFromInterface(t *testing.T) {
	t.Run("Should coerce whole floats to integers", func(t *testing.T) {
		v, err := FromInterface(float64(12))
		require.NoError(t, err)
		assert.Equal(t, ValueInteger, v.Kind)
		assert.Equal(t, "12", v.String())
	})

	t.Run("Should keep fractional floats as numbers", func(t *testing.T) {
		v, err := FromInterface(12.5)
		require.NoError(t, err)
		assert.Equal(t, ValueNumber, v.Kind)
	})

	t.Run("Should treat nil as zero", func(t *testing.T) {
		v, err := FromInterface(nil)
		require.NoError(t, err)
		assert.Equal(t, "0", v.String())
	})
}
