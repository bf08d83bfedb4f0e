package tickstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/papertrader/internal/domain"
)

func TestStore_AppendReplayOrder(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	// 乱序写入，回放必须按序号升序
	for _, seq := range []int64{3, 1, 2, 10} {
		require.NoError(t, s.Append("s1", &domain.Tick{Sequence: seq, HomePrice: int(50 + seq)}))
	}
	require.NoError(t, s.Append("s2", &domain.Tick{Sequence: 1, HomePrice: 99}))

	var got []int64
	require.NoError(t, s.Replay("s1", func(tk *domain.Tick) error {
		got = append(got, tk.Sequence)
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3, 10}, got)

	last, err := s.LastSequence("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), last)

	n, err := s.Count("s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// 会话之间互不可见
	n, err = s.Count("s2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last, err = s.LastSequence("missing")
	require.NoError(t, err)
	assert.Zero(t, last)
}
