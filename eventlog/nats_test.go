package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeID_DistinctIDsStayDistinct(t *testing.T) {
	// Each pair collides under naive character replacement; the escaping
	// must keep them apart so two streams never share a JetStream stream.
	pairs := [][2]string{
		{"order/a.b", "order/a_b"},
		{"order/a b", "order/a.b"},
		{"order/a\\b", "order/a/b"},
		{"order/a-b", "order/a.b"},
	}

	for _, pair := range pairs {
		require.NotEqual(t, sanitizeID(pair[0]), sanitizeID(pair[1]),
			"%q and %q must not share a stream name", pair[0], pair[1])
	}
}

func TestSanitizeID_OutputIsNameSafe(t *testing.T) {
	for _, id := range []string{"order/o-1", "cart/a.b c\\d", "täsk/ü"} {
		out := sanitizeID(id)
		for i := 0; i < len(out); i++ {
			c := out[i]
			safe := c >= 'a' && c <= 'z' ||
				c >= 'A' && c <= 'Z' ||
				c >= '0' && c <= '9' ||
				c == '_' || c == '-'
			require.True(t, safe, "unsafe byte %q in %q", c, out)
		}
	}
}
