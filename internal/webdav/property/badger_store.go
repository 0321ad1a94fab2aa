package property

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// 键格式: prop:<path>\x00<namespace>\x00<name>
const badgerKeyPrefix = "prop:"

// BadgerStore 基于 BadgerDB 的属性存储
type BadgerStore struct {
	db   *badger.DB
	opts options
}

// NewBadgerStore 打开 BadgerDB，dir 为空时使用内存模式
func NewBadgerStore(dir string, opts ...Option) (*BadgerStore, error) {
	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, opts: applyOptions(opts)}, nil
}

func pathPrefix(path string) []byte {
	return []byte(badgerKeyPrefix + path + "\x00")
}

func propKey(path string, name xml.Name) []byte {
	return []byte(badgerKeyPrefix + path + "\x00" + name.Space + "\x00" + name.Local)
}

// GetProperties 获取资源的全部死属性
func (s *BadgerStore) GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := pathPrefix(utils.CleanPath(path))

	var out []types.DeadProperty
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rest := string(item.Key()[len(prefix):])
			i := strings.IndexByte(rest, 0)
			if i < 0 {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, types.DeadProperty{
				Name:  xml.Name{Space: rest[:i], Local: rest[i+1:]},
				Value: string(value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read properties: %v", ErrBackendUnavailable, err)
	}
	sortProperties(out)
	return out, nil
}

// SetProperties 写入属性
func (s *BadgerStore) SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = utils.CleanPath(path)
	valid, failures := partition(s.opts.validator, props)
	if len(valid) == 0 {
		return failures, nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, p := range valid {
			if err := txn.Set(propKey(path, p.Name), []byte(p.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: write properties: %v", ErrBackendUnavailable, err)
	}
	return failures, nil
}

// RemoveProperties 删除指定属性
func (s *BadgerStore) RemoveProperties(ctx context.Context, path string, names []xml.Name) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, n := range names {
			if err := txn.Delete(propKey(path, n)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete properties: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// RemoveAll 删除子树上的全部属性
func (s *BadgerStore) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)

	prefixes := [][]byte{[]byte(badgerKeyPrefix)}
	if path != "/" {
		prefixes = [][]byte{pathPrefix(path), []byte(badgerKeyPrefix + path + "/")}
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan properties: %v", ErrBackendUnavailable, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("%w: delete properties: %v", ErrBackendUnavailable, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: delete properties: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IgnoreEntry 数据库存储不占用文件系统条目
func (s *BadgerStore) IgnoreEntry(*storage.Entry) bool { return false }

// Close 关闭数据库
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
