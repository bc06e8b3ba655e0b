package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"identity-service/internal/config"
)

// BucketingManager spreads keys over a fixed number of partitions with
// murmur3, so hot rows do not share a partition.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket returns the user partition for key, in [0, userBuckets).
func (bm *BucketingManager) UserBucket(key string) int {
	return bm.getBucket(key, bm.userBuckets)
}

// EventBucket returns the audit event partition for key, in [0, eventBuckets).
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// DateBucket returns the UTC day of t as YYYY-MM-DD.
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) UserBuckets() int  { return bm.userBuckets }
func (bm *BucketingManager) EventBuckets() int { return bm.eventBuckets }

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
