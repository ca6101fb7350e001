package shared

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_JSONRoundTrip(t *testing.T) {
	birth := time.Date(1990, 6, 15, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   Value
	}{
		{"string", StringValue("employed")},
		{"number", NumberValue(42.5)},
		{"bool", BoolValue(true)},
		{"date", DateValue(birth)},
		{"stringSet", StringSetValue("passport", "lease", "payslip")},
		{"emptySet", StringSetValue()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.in)
			require.NoError(t, err)

			var out Value
			require.NoError(t, json.Unmarshal(raw, &out))
			eq, err := tc.in.Equal(out)
			require.NoError(t, err)
			assert.True(t, eq, "decoded %s, want %s", out, tc.in)
			assert.Equal(t, tc.in.Kind, out.Kind)
		})
	}
}

func TestValue_UnmarshalRejectsUnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"kind":"complex","value":1}`), &v)
	assert.Error(t, err)
}

func TestValue_StringSetSorted(t *testing.T) {
	v := StringSetValue("zeta", "alpha", "mid")
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, v.Set)
}

func TestValue_EqualKindMismatch(t *testing.T) {
	_, err := StringValue("18").Equal(NumberValue(18))
	var mismatch *TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, KindString, mismatch.Want)
	assert.Equal(t, KindNumber, mismatch.Got)
}

func TestValue_CompareOrderedKindsOnly(t *testing.T) {
	cmp, err := NumberValue(3).Compare(NumberValue(7))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	earlier := DateValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	later := DateValue(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cmp, err = later.Compare(earlier)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	_, err = BoolValue(true).Compare(BoolValue(false))
	var mismatch *TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestValue_Contains(t *testing.T) {
	docs := StringSetValue("passport", "lease")

	has, err := docs.Contains("lease")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = docs.Contains("visa")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = StringValue("passport").Contains("passport")
	assert.Error(t, err)
}

func TestContext_CloneIsIndependent(t *testing.T) {
	orig := Context{
		"age":       NumberValue(30),
		"documents": StringSetValue("passport"),
	}
	clone := orig.Clone()

	clone.Set("age", NumberValue(31))
	clone["documents"].Set[0] = "forged"

	v, ok := orig.Get("age")
	require.True(t, ok)
	assert.Equal(t, float64(30), v.Num)
	assert.Equal(t, "passport", orig["documents"].Set[0])
}

func TestMissingVars(t *testing.T) {
	err := &MissingVariableError{Vars: []string{"income", "age", "income"}}
	assert.Equal(t, []string{"age", "income"}, MissingVars(err))
	assert.Nil(t, MissingVars(errors.New("unrelated")))
	assert.Nil(t, MissingVars(nil))
}
