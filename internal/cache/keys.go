package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// SymbolicationKey caches a materialized symbolication table by id, so event
// storms resolving many occurrences against one build hit redis instead of
// the symbolications table.
func SymbolicationKey(id uuid.UUID) string {
	return fmt.Sprintf("symbolication:%s", id)
}

func SourceMapKey(projectID uuid.UUID, environment, revision string) string {
	return fmt.Sprintf("sourcemap:%s:%s:%s", projectID, environment, revision)
}

func ObfuscationMapKey(deployID uuid.UUID) string {
	return fmt.Sprintf("obfuscationmap:%s", deployID)
}
