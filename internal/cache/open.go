package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Driver names accepted by Open and the StoreDriver config key.
const (
	DriverMemory  = "memory"
	DriverDisk    = "disk"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// ErrUnknownDriver 表示配置了未支持的存储驱动。
var ErrUnknownDriver = errors.New("unknown cache store driver")

// Drivers 返回全部受支持的驱动名。
func Drivers() []string {
	return []string{DriverMemory, DriverDisk, DriverLevelDB, DriverSQLite}
}

// Open 根据驱动名构建 Store；持久化驱动的数据都落在 storagePath 下。
func Open(driver, storagePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case "", DriverDisk:
		return NewDiskStore(filepath.Join(storagePath, "generations"))
	case DriverLevelDB:
		return NewLevelDBStore(filepath.Join(storagePath, "leveldb"))
	case DriverSQLite:
		if err := ensureDir(storagePath); err != nil {
			return nil, err
		}
		return NewSQLiteStore(filepath.Join(storagePath, "cache.db"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("storage path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage path: %w", err)
	}
	return nil
}
