package persist

import (
	"fmt"

	"github.com/sweeney/valve-controller/internal/logic"
)

// Store is a logic.Store that holds resources.
type Store interface {
	logic.Store
	Close() error
}

// Store types accepted by Open.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeSQLite = "sqlite"
	TypeRedis  = "redis"
)

// Options selects and configures a store.
type Options struct {
	Type string
	// Path is the file or database path for file and sqlite stores.
	Path string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

// Open creates the store described by opts.
func Open(opts Options) (Store, error) {
	switch opts.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFile, "":
		return NewFileStore(opts.Path)
	case TypeSQLite:
		return NewSQLiteStore(opts.Path)
	case TypeRedis:
		var ro []RedisOption
		if opts.RedisKey != "" {
			ro = append(ro, WithKey(opts.RedisKey))
		}
		return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, ro...), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", opts.Type)
	}
}
