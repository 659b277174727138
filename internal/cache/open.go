package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// sqliteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件。
const sqliteFileName = "offline-hub.db"

// NewStorage 根据驱动名创建缓存存储，path 对 memory 驱动无意义。
func NewStorage(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemoryStorage(), nil
	case "", DriverFS:
		return NewFileStorage(path)
	case DriverSQLite:
		return OpenSQLite(filepath.Join(path, sqliteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
