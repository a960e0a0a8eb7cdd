package aeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBlockNotFound is returned when the block service does not know a height.
var ErrBlockNotFound = errors.New("block not found")

// BlockClient resolves block heights to their canonical timestamps using an
// Arweave-style gateway (GET /block/height/{h}).
type BlockClient struct {
	engine *Client

	// Block timestamps are final, so they are cached for the client's life.
	mu    sync.RWMutex
	times map[uint64]time.Time
}

// NewBlockClient creates a block client for the gateway at baseURL.
func NewBlockClient(baseURL string, opts ...Option) *BlockClient {
	return &BlockClient{
		engine: New(baseURL, opts...),
		times:  make(map[uint64]time.Time),
	}
}

type blockResponse struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// BlockTime returns the timestamp of the block at height.
func (b *BlockClient) BlockTime(ctx context.Context, height uint64) (time.Time, error) {
	b.mu.RLock()
	t, ok := b.times[height]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}

	u := strings.TrimRight(b.engine.baseURL, "/") + "/block/height/" + strconv.FormatUint(height, 10)
	body, _, err := b.engine.get(ctx, u)
	if isNotFound(err) {
		return time.Time{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	if err != nil {
		return time.Time{}, err
	}

	var resp blockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("decoding block: %w", err)
	}
	if resp.Timestamp <= 0 {
		return time.Time{}, fmt.Errorf("block %d has no timestamp", height)
	}
	t = time.Unix(resp.Timestamp, 0).UTC()

	b.mu.Lock()
	b.times[height] = t
	b.mu.Unlock()
	return t, nil
}
