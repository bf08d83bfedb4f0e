// Package tickstore tick 归档存储（Badger）。
// 引擎决策只依赖内存，这里是旁路归档：每个会话的 tick 按序号落盘，
// 供复盘回放与断线后补数据使用。
package tickstore

import (
	"encoding/json"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/betbot/papertrader/internal/domain"
)

var tsLog = logrus.WithField("module", "tickstore")

// Store 按会话归档 tick 的 KV 存储。
type Store struct {
	db *badger.DB
}

// Open 打开（必要时创建）归档目录。
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tickstore: 缺少存储目录")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tickstore: 打开失败: %w", err)
	}
	tsLog.Infof("tick 归档已就绪: %s", dir)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// key 形如 tick:<session>:<12 位零填充序号>，保证迭代顺序即 tick 顺序。
func tickKey(sessionID string, seq int64) []byte {
	return []byte(fmt.Sprintf("tick:%s:%012d", sessionID, seq))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("tick:%s:", sessionID))
}

// Append 归档一个 tick。归档失败只影响回放，不影响决策，调用方通常只记日志。
func (s *Store) Append(sessionID string, tick *domain.Tick) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tickstore: 未打开")
	}
	raw, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("tickstore: 序列化失败: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tickKey(sessionID, tick.Sequence), raw)
	})
}

// Replay 按序号升序回放会话的全部归档 tick。fn 返回错误时中止。
func (s *Store) Replay(sessionID string, fn func(*domain.Tick) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tickstore: 未打开")
	}
	prefix := sessionPrefix(sessionID)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var tick domain.Tick
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tick)
			})
			if err != nil {
				return err
			}
			if err := fn(&tick); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSequence 会话最后一个归档序号，无归档返回 0。
func (s *Store) LastSequence(sessionID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("tickstore: 未打开")
	}
	prefix := sessionPrefix(sessionID)
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向迭代：定位到前缀区间的末尾
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := string(it.Item().Key())
		_, err := fmt.Sscanf(key[len(prefix):], "%d", &last)
		return err
	})
	return last, err
}

// Count 会话归档的 tick 数量。
func (s *Store) Count(sessionID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("tickstore: 未打开")
	}
	prefix := sessionPrefix(sessionID)
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
