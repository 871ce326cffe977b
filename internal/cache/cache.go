package cache

import (
	"context"
	"time"
)

// ReportCache holds serialized report payloads and exchange-rate maps.
// Implementations must treat a miss as (nil, false, nil), not an error.
type ReportCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Delete(_ context.Context, _ string) error {
	return nil
}
