package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const CycleLockKey = "lock:cycle"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

func JobLockKey(jobID uuid.UUID) string {
	return fmt.Sprintf("lock:job:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
