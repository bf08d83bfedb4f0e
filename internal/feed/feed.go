// Package feed 行情来源。生产部署里 tick 由上游推送，这里提供
// JSONL 文件回放器：逐行读取归一化后的 tick，按固定节奏投递给会话，
// 用于策略复盘和本地联调。
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
)

var feedLog = logrus.WithField("module", "feed")

// 单行 tick 上限，防止超长行把 Scanner 撑爆
const maxLineBytes = 1 << 20

// FileReplayer 从 JSONL 文件回放 tick。每行一个 domain.Tick；
// 空行跳过，坏行记日志后跳过，不中断回放。
type FileReplayer struct {
	path     string
	interval time.Duration
}

// NewFileReplayer interval 为相邻 tick 之间的投递间隔，0 表示全速回放。
func NewFileReplayer(path string, interval time.Duration) *FileReplayer {
	return &FileReplayer{path: path, interval: interval}
}

// Run 回放整个文件，对每个 tick 调用 deliver。
// ctx 取消时提前返回 ctx.Err()；文件读完返回 nil。
func (r *FileReplayer) Run(ctx context.Context, deliver func(*domain.Tick)) error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrap(err, "打开行情文件失败")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var ticker *time.Ticker
	if r.interval > 0 {
		ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
	}

	var lineNo, delivered int64
	var lastSeq int64
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var tick domain.Tick
		if err := json.Unmarshal([]byte(line), &tick); err != nil {
			feedLog.WithError(err).Warnf("第 %d 行解析失败，跳过", lineNo)
			continue
		}
		// 文件缺序号时按投递顺序补齐
		if tick.Sequence == 0 {
			tick.Sequence = lastSeq + 1
		}
		lastSeq = tick.Sequence
		if tick.ReceivedAt.IsZero() {
			tick.ReceivedAt = time.Now()
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		deliver(&tick)
		delivered++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "读取行情文件失败")
	}
	feedLog.Infof("回放完成: %s, 共投递 %d 个 tick", r.path, delivered)
	return nil
}
