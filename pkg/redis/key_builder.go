package redis

import (
	"fmt"
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention.
// An empty namespace produces bare entity:attribute keys, which is how the
// catalog cache keys (event:<name>, event:list, consumers:<name>) are built.
type KeyBuilder struct {
	namespace string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
	}
}

// Build creates a Redis key following our naming convention. Attribute case
// is preserved because event names are case significant.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := make([]string, 0, 3)
	if kb.namespace != "" {
		parts = append(parts, kb.namespace)
	}
	parts = append(parts, strings.ToLower(entity))
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}

// BuildPattern creates a Redis key pattern for searching.
func (kb *KeyBuilder) BuildPattern(entity, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	return kb.Build(entity, pattern)
}

// BuildLock creates a Redis lock key.
func (kb *KeyBuilder) BuildLock(entity, id string) string {
	return kb.Build(entity, fmt.Sprintf("lock:%s", id))
}

// Parse extracts components from a Redis key built by this builder.
func (kb *KeyBuilder) Parse(key string) map[string]string {
	parts := strings.Split(key, ":")
	result := make(map[string]string)

	if kb.namespace != "" {
		if len(parts) >= 1 {
			result["namespace"] = parts[0]
		}
		parts = parts[1:]
	}
	if len(parts) >= 1 {
		result["entity"] = parts[0]
	}
	if len(parts) >= 2 {
		result["attribute"] = strings.Join(parts[1:], ":")
	}

	return result
}

// GetNamespace returns the namespace.
func (kb *KeyBuilder) GetNamespace() string {
	return kb.namespace
}

// WithNamespace creates a new key builder with a different namespace.
func (kb *KeyBuilder) WithNamespace(namespace string) *KeyBuilder {
	return NewKeyBuilder(namespace)
}
