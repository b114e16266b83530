package common

import (
	"github.com/google/uuid"
)

// NewConfigID generates a unique enrichment config ID with the "cfg_" prefix
func NewConfigID() string {
	return "cfg_" + uuid.New().String()
}

// NewRowID generates a unique row ID with the "row_" prefix
func NewRowID() string {
	return "row_" + uuid.New().String()
}

// NewInvocationID identifies one scheduler tick in the logs
func NewInvocationID() string {
	return "inv_" + uuid.New().String()
}
