package gameclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeRemaining_Boundaries(t *testing.T) {
	assert.Equal(t, 3600, TimeRemaining(0, "whatever"))
	assert.Equal(t, 3600, TimeRemaining(-1, "12:00"))
	assert.Equal(t, 0, TimeRemaining(5, "15:00"))
	assert.Equal(t, 0, TimeRemaining(9, ""))
	assert.Equal(t, 0, TimeRemaining(4, "00:00"))
	// 第一节整节剩余 = 3 个后续节 + 本节 900 秒，封顶全场时长
	assert.Equal(t, 3600, TimeRemaining(1, "15:00"))
	assert.Equal(t, 900+330, TimeRemaining(3, "5:30"))
}

func TestTimeRemaining_ClockFormats(t *testing.T) {
	// MM:SS
	assert.Equal(t, 3*900+7*60+30, TimeRemaining(1, "7:30"))
	// 带空格
	assert.Equal(t, 3*900+7*60+30, TimeRemaining(1, " 7 : 30 "))
	// 纯秒数
	assert.Equal(t, 900+754, TimeRemaining(3, "754"))
	// 只有分钟
	assert.Equal(t, 2*900+12*60, TimeRemaining(2, "12:"))
}

func TestTimeRemaining_MalformedClockFallsBack(t *testing.T) {
	// 解析失败按整节 900 秒处理，永不 panic
	for _, clock := range []string{"", "garbage", "a:b", "12:xx", "-3:00", ":-5", "¼:½"} {
		assert.Equal(t, 2*900+900, TimeRemaining(2, clock), "clock=%q", clock)
	}
}

func TestTimeRemaining_Clamped(t *testing.T) {
	// 异常大的时钟值也不会超出全场上限
	assert.Equal(t, 3600, TimeRemaining(1, "99:00"))
}

func TestTimeRatio(t *testing.T) {
	assert.InDelta(t, 1.0, TimeRatio(0, ""), 1e-9)
	assert.InDelta(t, 0.0, TimeRatio(5, ""), 1e-9)
	assert.InDelta(t, 0.25, TimeRatio(4, "15:00"), 1e-9)
	assert.InDelta(t, 0.5, TimeRatio(2, "00:00"), 1e-9)
}
