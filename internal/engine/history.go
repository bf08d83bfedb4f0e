package engine

// historyCap 滚动价格窗口容量：保留最近 10 个有效主队价。
const historyCap = 10

// priceRing 固定容量环形缓冲，满后淘汰最旧的价格。
type priceRing struct {
	buf  [historyCap]int
	head int // 下一个写入位
	size int
}

func (r *priceRing) Push(price int) {
	r.buf[r.head] = price
	r.head = (r.head + 1) % historyCap
	if r.size < historyCap {
		r.size++
	}
}

func (r *priceRing) Len() int {
	return r.size
}

// At 取倒数第 n 个价格：n=0 为最新，n=1 为上一个，依此类推。
func (r *priceRing) At(n int) (int, bool) {
	if n < 0 || n >= r.size {
		return 0, false
	}
	idx := (r.head - 1 - n + 2*historyCap) % historyCap
	return r.buf[idx], true
}

// Momentum 最新价与 lookback 个 tick 之前的价差。
// 窗口内观测不足 lookback+1 个时返回 false。
func (r *priceRing) Momentum(lookback int) (int, bool) {
	last, ok := r.At(0)
	if !ok {
		return 0, false
	}
	ref, ok := r.At(lookback)
	if !ok {
		return 0, false
	}
	return last - ref, true
}
