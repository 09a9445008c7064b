package cachetable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketIndex_DeterministicAndInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	for i := 0; i < 5000; i++ {
		n := 4 + rng.Intn(40)
		buf := make([]byte, n)
		for j := range buf {
			buf[j] = alphabet[rng.Intn(len(alphabet))]
		}
		key := string(buf)
		bucketCount := uint32(1 + rng.Intn(64))

		idx1 := bucketIndex(key, bucketCount)
		idx2 := bucketIndex(key, bucketCount)
		require.Equal(t, idx1, idx2, "must be deterministic")
		require.Less(t, idx1, bucketCount, "must be in [0, bucketCount)")
	}
}
