package property

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/webdav-gateway/davengine/internal/storage"
	"github.com/webdav-gateway/davengine/internal/types"
	"github.com/webdav-gateway/davengine/internal/webdav/utils"
)

// PropsFileName 文本属性文件名，每个目录一个
const PropsFileName = ".davprops.json"

const selfEntry = "."

// TextFileStore 将属性保存在资源所在目录的 JSON 文件中，仅适用于本地文件系统
//
// 文件内容为 条目名 -> {命名空间}本地名 -> 值，根集合自身使用条目名 "."。
type TextFileStore struct {
	root string
	mu   sync.Mutex
	opts options
}

// NewTextFileStore 创建文本属性存储，root 为本地文件系统根目录
func NewTextFileStore(root string, opts ...Option) (*TextFileStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat property root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("property root %s is not a directory", root)
	}
	return &TextFileStore{root: root, opts: applyOptions(opts)}, nil
}

type propsFile map[string]map[string]string

// location 返回保存 path 属性的文件和条目名
func (s *TextFileStore) location(path string) (string, string) {
	path = utils.CleanPath(path)
	if path == "/" {
		return filepath.Join(s.root, PropsFileName), selfEntry
	}
	dir := filepath.Join(s.root, filepath.FromSlash(utils.ParentPath(path)))
	return filepath.Join(dir, PropsFileName), utils.BaseName(path)
}

func clarkName(n xml.Name) string {
	return "{" + n.Space + "}" + n.Local
}

func parseClarkName(s string) xml.Name {
	if strings.HasPrefix(s, "{") {
		if i := strings.IndexByte(s, '}'); i > 0 {
			return xml.Name{Space: s[1:i], Local: s[i+1:]}
		}
	}
	return xml.Name{Local: s}
}

func readPropsFile(file string) (propsFile, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return propsFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, file, err)
	}
	pf := propsFile{}
	if len(data) == 0 {
		return pf, nil
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrBackendUnavailable, file, err)
	}
	return pf, nil
}

// writePropsFile 先写临时文件再重命名，空内容时删除文件
func writePropsFile(file string, pf propsFile) error {
	for k, m := range pf {
		if len(m) == 0 {
			delete(pf, k)
		}
	}
	if len(pf) == 0 {
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove %s: %v", ErrBackendUnavailable, file, err)
		}
		return nil
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), PropsFileName+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrBackendUnavailable, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write %s: %v", ErrBackendUnavailable, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close %s: %v", ErrBackendUnavailable, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: rename %s: %v", ErrBackendUnavailable, file, err)
	}
	return nil
}

// GetProperties 获取资源的全部死属性
func (s *TextFileStore) GetProperties(ctx context.Context, path string) ([]types.DeadProperty, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, entry := s.location(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	pf, err := readPropsFile(file)
	if err != nil {
		return nil, err
	}
	out := make([]types.DeadProperty, 0, len(pf[entry]))
	for k, v := range pf[entry] {
		out = append(out, types.DeadProperty{Name: parseClarkName(k), Value: v})
	}
	sortProperties(out)
	return out, nil
}

// SetProperties 写入属性
func (s *TextFileStore) SetProperties(ctx context.Context, path string, props []types.DeadProperty) ([]*types.PropertyError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	valid, failures := partition(s.opts.validator, props)
	if len(valid) == 0 {
		return failures, nil
	}
	file, entry := s.location(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	pf, err := readPropsFile(file)
	if err != nil {
		return nil, err
	}
	m, ok := pf[entry]
	if !ok {
		m = make(map[string]string, len(valid))
		pf[entry] = m
	}
	for _, p := range valid {
		m[clarkName(p.Name)] = p.Value
	}
	if err := writePropsFile(file, pf); err != nil {
		return nil, err
	}
	return failures, nil
}

// RemoveProperties 删除指定属性
func (s *TextFileStore) RemoveProperties(ctx context.Context, path string, names []xml.Name) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, entry := s.location(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	pf, err := readPropsFile(file)
	if err != nil {
		return err
	}
	m, ok := pf[entry]
	if !ok {
		return nil
	}
	for _, n := range names {
		delete(m, clarkName(n))
	}
	return writePropsFile(file, pf)
}

// RemoveAll 删除资源自身的属性以及其目录树下的所有属性文件
func (s *TextFileStore) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = utils.CleanPath(path)
	file, entry := s.location(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry != selfEntry {
		pf, err := readPropsFile(file)
		if err != nil {
			return err
		}
		if _, ok := pf[entry]; ok {
			delete(pf, entry)
			if err := writePropsFile(file, pf); err != nil {
				return err
			}
		}
	}

	dir := filepath.Join(s.root, filepath.FromSlash(path))
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && d.Name() == PropsFileName {
			return os.Remove(p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove property files under %s: %v", ErrBackendUnavailable, path, err)
	}
	return nil
}

// IgnoreEntry 隐藏属性文件及其临时文件
func (s *TextFileStore) IgnoreEntry(e *storage.Entry) bool {
	return e != nil && strings.HasPrefix(e.Name, PropsFileName)
}

// Close 无需释放资源
func (s *TextFileStore) Close() error { return nil }
