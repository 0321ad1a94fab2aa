package lock

import "context"

// Store 锁持久化后端，所有调用都在管理器的互斥区内发生
type Store interface {
	Load(ctx context.Context) ([]*ActiveLock, error)
	Save(ctx context.Context, lock *ActiveLock) error
	Delete(ctx context.Context, token string) error
	Close() error
}

// memoryStore 纯内存后端，不做持久化
type memoryStore struct{}

// NewMemoryStore 创建内存后端
func NewMemoryStore() Store { return memoryStore{} }

func (memoryStore) Load(context.Context) ([]*ActiveLock, error) { return nil, nil }

func (memoryStore) Save(context.Context, *ActiveLock) error { return nil }

func (memoryStore) Delete(context.Context, string) error { return nil }

func (memoryStore) Close() error { return nil }
