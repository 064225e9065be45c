package cache

import (
	"context"
	"time"

	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

// DecisionCache is a read-through cache in front of the decision repository.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*domain.MicDecision, error)
	Set(ctx context.Context, key string, d *domain.MicDecision, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	BuildKey(roomID, requester string) string
	Close() error
}
