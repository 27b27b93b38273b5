package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIncrementalBackoffPositive(t *testing.T) {
	t.Parallel()

	for attempts := 1; attempts <= 20; attempts++ {
		for i := 0; i < 50; i++ {
			delay := IncrementalBackoff(attempts)
			require.Greater(t, delay, time.Duration(0), "attempts=%d", attempts)
		}
	}
}

func TestIncrementalBackoffEnvelope(t *testing.T) {
	t.Parallel()

	// the jittered delay must stay within half a second of the table value,
	// and the table values themselves are non-decreasing
	prev := time.Duration(0)
	for attempts := 1; attempts <= len(fibonacci); attempts++ {
		base := time.Duration(fibonacci[attempts-1]) * time.Second
		require.GreaterOrEqual(t, base, prev)
		prev = base

		for i := 0; i < 50; i++ {
			delay := IncrementalBackoff(attempts)
			require.GreaterOrEqual(t, delay, base-backoffJitter/2)
			require.LessOrEqual(t, delay, base+backoffJitter/2)
		}
	}
}

func TestIncrementalBackoffFlatBeyondTable(t *testing.T) {
	t.Parallel()

	last := time.Duration(fibonacci[len(fibonacci)-1]) * time.Second
	for _, attempts := range []int{len(fibonacci), len(fibonacci) + 1, 100} {
		delay := IncrementalBackoff(attempts)
		require.GreaterOrEqual(t, delay, last-backoffJitter/2)
		require.LessOrEqual(t, delay, last+backoffJitter/2)
	}
}
