package sqlez

import (
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func FuzzBindRoundTrip(f *testing.F) {
	f.Add("", []byte{}, int64(0), 0.0)
	f.Add("hello", []byte("world"), int64(-1), 1.5)
	f.Add("ünï", []byte{0, 0, 0}, int64(math.MaxInt64), math.Inf(1))
	f.Add(strings.Repeat("x", 4096), []byte{255}, int64(math.MinInt64), -0.25)

	c, err := OpenMemory(uuid.NewString())
	require.NoError(f, err)
	f.Cleanup(func() { _ = c.Close() })
	s, err := c.Prepare("SELECT ?, ?, ?, ?")
	require.NoError(f, err)

	f.Fuzz(func(t *testing.T, text string, blob []byte, n int64, x float64) {
		if strings.IndexByte(text, 0) >= 0 || math.IsNaN(x) {
			// NaN binds as NULL
			t.Skip()
		}
		_, err := s.Bound(T4(text, blob, n, x))
		require.NoError(t, err)
		got, err := Row[Tuple4[string, []byte, int64, float64]](s)
		require.NoError(t, err)
		require.Equal(t, text, got.V1)
		require.Equal(t, len(blob), len(got.V2))
		require.Equal(t, string(blob), string(got.V2))
		require.Equal(t, n, got.V3)
		require.Equal(t, x, got.V4)
	})
}
