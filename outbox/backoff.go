package outbox

import (
	"math/rand"
	"time"
)

// fibonacci holds the whole-second delays for successive retries. Past the
// end of the table the delay stays flat at the last entry.
var fibonacci = [...]int{1, 1, 2, 3, 5, 8, 13, 21, 34, 55}

const backoffJitter = time.Second

// IncrementalBackoff returns the delay before retry number attempts,
// with ±0.5s of symmetric jitter. The result is always positive.
func IncrementalBackoff(attempts int) time.Duration {
	index := attempts - 1
	if index < 0 {
		index = 0
	}
	if index > len(fibonacci)-1 {
		index = len(fibonacci) - 1
	}

	jitter := time.Duration((rand.Float64() - 0.5) * float64(backoffJitter))
	return time.Duration(fibonacci[index])*time.Second + jitter
}
