package articulate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/trace-processor/pkg/trace"
)

// ErrABINotFound is returned when no ABI is known for an address.
var ErrABINotFound = errors.New("abi not found")

// missMarker is stored in Redis for addresses without an ABI.
const missMarker = "-"

// Source supplies raw ABI JSON for a contract address.
type Source interface {
	Load(ctx context.Context, addr trace.Address) ([]byte, error)
}

// DirSource reads <address>.json files from a directory.
type DirSource struct {
	Dir string
}

func (d *DirSource) Load(_ context.Context, addr trace.Address) ([]byte, error) {
	path := filepath.Join(d.Dir, strings.ToLower(addr.String())+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrABINotFound
		}

		return nil, fmt.Errorf("failed to read abi file %s: %w", path, err)
	}

	return data, nil
}

// ABIProvider resolves parsed ABIs by address.
type ABIProvider interface {
	Get(ctx context.Context, addr trace.Address) (*abi.ABI, error)
}

// Cache resolves ABIs from a Source, sharing raw JSON (and misses) across
// processes through Redis and keeping parsed ABIs in memory.
type Cache struct {
	log     logrus.FieldLogger
	redis   *redis.Client
	prefix  string
	source  Source
	ttl     time.Duration
	missTTL time.Duration

	mu     sync.RWMutex
	parsed map[trace.Address]*abi.ABI
}

// NewCache builds a Cache. A nil redis client disables the shared layer.
func NewCache(log logrus.FieldLogger, redisClient *redis.Client, prefix string, source Source, config *Config) *Cache {
	return &Cache{
		log:     log.WithField("component", "abi_cache"),
		redis:   redisClient,
		prefix:  prefix,
		source:  source,
		ttl:     config.CacheTTL,
		missTTL: config.MissTTL,
		parsed:  make(map[trace.Address]*abi.ABI),
	}
}

// key returns the Redis key for an address.
// Key pattern: {prefix}:abi:{address}.
func (c *Cache) key(addr trace.Address) string {
	if c.prefix == "" {
		return fmt.Sprintf("abi:%s", addr)
	}

	return fmt.Sprintf("%s:abi:%s", c.prefix, addr)
}

func (c *Cache) Get(ctx context.Context, addr trace.Address) (*abi.ABI, error) {
	c.mu.RLock()
	parsed, ok := c.parsed[addr]
	c.mu.RUnlock()

	if ok {
		return parsed, nil
	}

	raw, err := c.load(ctx, addr)
	if err != nil {
		return nil, err
	}

	contract, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi for %s: %w", addr, err)
	}

	c.mu.Lock()
	c.parsed[addr] = &contract
	c.mu.Unlock()

	return &contract, nil
}

func (c *Cache) load(ctx context.Context, addr trace.Address) ([]byte, error) {
	if c.redis != nil {
		cached, err := c.redis.Get(ctx, c.key(addr)).Result()

		switch {
		case err == nil && cached == missMarker:
			return nil, ErrABINotFound
		case err == nil:
			return []byte(cached), nil
		case !errors.Is(err, redis.Nil):
			c.log.WithError(err).WithField("address", addr).Warn("Failed to read abi cache")
		}
	}

	raw, err := c.source.Load(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrABINotFound) {
			c.store(ctx, addr, missMarker, c.missTTL)
		}

		return nil, err
	}

	c.store(ctx, addr, string(raw), c.ttl)

	return raw, nil
}

func (c *Cache) store(ctx context.Context, addr trace.Address, value string, ttl time.Duration) {
	if c.redis == nil {
		return
	}

	if err := c.redis.Set(ctx, c.key(addr), value, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("address", addr).Warn("Failed to write abi cache")
	}
}
