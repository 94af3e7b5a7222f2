package marketdata

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustIST(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestNormalizeColumnarAndRowsAgree(t *testing.T) {
	ist := mustIST(t)
	t1 := time.Date(2025, 8, 20, 9, 15, 0, 0, ist)
	t2 := t1.Add(time.Minute)

	columnar := fmt.Sprintf(`{"open":[800,801],"high":[802,803.5],"low":[799,800],"close":[801,803],"volume":[1000,1500],"timestamp":[%d,%d]}`,
		t1.Unix(), t2.Unix())
	rows := fmt.Sprintf(`{"data":[{"startTime":%d,"open":"801","high":803.5,"low":800,"close":803,"volume":1500},{"startTime":"%s","open":800,"high":802,"low":799,"close":801,"volume":1000}]}`,
		t2.UnixMilli(), t1.UTC().Format(time.RFC3339))

	a := Normalize("SBIN", json.RawMessage(columnar), ist)
	b := Normalize("SBIN", json.RawMessage(rows), ist)
	require.Len(t, a, 2)
	require.Len(t, b, 2)
	for i := range a {
		require.True(t, a[i].Time.Equal(b[i].Time), "candle %d time %v vs %v", i, a[i].Time, b[i].Time)
		a[i].Time, b[i].Time = time.Time{}, time.Time{}
	}
	require.Equal(t, a, b)
	require.Equal(t, 803.0, b[1].Close)
	require.Equal(t, int64(1500), b[1].Volume)
}

func TestNormalizeColumnarUsesMinimumLengthAndSkipsBadEntries(t *testing.T) {
	ist := mustIST(t)
	raw := `{"data":{"open":[1,2,3,4],"high":[1,2,"x",4],"low":[1,2,3],"close":[1,2,3,4],"startTime":[1700000000,1700000060,1700000120,1700000180]}}`
	got := Normalize("TCS", json.RawMessage(raw), ist)
	require.Len(t, got, 2)
	require.Equal(t, 1.0, got[0].Close)
	require.Equal(t, 2.0, got[1].Close)
	require.Equal(t, int64(0), got[0].Volume)
	require.Equal(t, ist, got[0].Time.Location())
}

func TestNormalizeRejectsUnknownShapes(t *testing.T) {
	ist := mustIST(t)
	for _, raw := range []string{``, `null`, `{}`, `{"status":"ok"}`, `[1,2,3]`, `{"open":[],"close":[]}`, `not json`} {
		require.Empty(t, Normalize("X", json.RawMessage(raw), ist), raw)
	}
}

func TestNormalizeUnparseableTimestampUsesNow(t *testing.T) {
	ist := mustIST(t)
	now := time.Date(2025, 8, 21, 9, 30, 0, 0, ist)
	got := normalizeAt("SBIN", json.RawMessage(`[{"time":"yesterday","open":1,"high":1,"low":1,"close":1}]`), ist, now)
	require.Len(t, got, 1)
	require.True(t, got[0].Time.Equal(now))
}

func TestNormalizeSortsByTime(t *testing.T) {
	ist := mustIST(t)
	raw := `[{"time":1700000120,"open":3,"high":3,"low":3,"close":3},{"time":1700000000,"open":1,"high":1,"low":1,"close":1},{"open":9,"high":9,"low":9,"close":9}]`
	got := Normalize("SBIN", json.RawMessage(raw), ist)
	require.Len(t, got, 2)
	require.Equal(t, 1.0, got[0].Close)
	require.Equal(t, 3.0, got[1].Close)
}

func TestParseTimestamp(t *testing.T) {
	ist := mustIST(t)
	want := time.Date(2025, 8, 20, 9, 15, 0, 0, ist)

	cases := []any{
		json.Number(fmt.Sprint(want.Unix())),
		json.Number(fmt.Sprint(want.UnixMilli())),
		float64(want.Unix()),
		fmt.Sprint(want.UnixMilli()),
		"2025-08-20T09:15:00+05:30",
		"2025-08-20T03:45:00Z",
		"2025-08-20 03:45:00",
		"2025-08-20T03:45:00",
	}
	for _, in := range cases {
		got, ok := ParseTimestamp(in, ist)
		require.True(t, ok, "%v", in)
		require.True(t, got.Equal(want), "%v parsed to %v", in, got)
		require.Equal(t, ist, got.Location())
	}

	for _, bad := range []any{nil, "", "soon", true, map[string]any{}} {
		_, ok := ParseTimestamp(bad, ist)
		require.False(t, ok, "%v", bad)
	}
}
