package mtsched

import "github.com/behrlich/go-mtsched/internal/constants"

// Re-export the constants an operator needs at the public API surface
// without reaching into an internal package.
const (
	JobBufferRingSize    = constants.JobBufferRingSize
	MaxSendThreads       = constants.MaxSendThreads
	PageSize             = constants.PageSize
	MinSchedResponsiveness = constants.MinSchedResponsiveness
	MaxSchedResponsiveness = constants.MaxSchedResponsiveness
)
