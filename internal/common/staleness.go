package common

import (
	"fmt"
	"time"
)

// StalenessResult contains the result of a staleness check.
type StalenessResult struct {
	// IsStale indicates the job made no forward progress within the window.
	IsStale bool
	// NextCheckTime is when the job would become stale if nothing changes.
	NextCheckTime time.Time
	// Reason provides a human-readable explanation for the staleness decision.
	Reason string
}

// CheckJobStaleness decides whether a started job has been abandoned.
// A job that has never advanced its cursor is waiting for its first batch,
// not stuck, so it is never stale.
func CheckJobStaleness(updatedAt time.Time, currentIndex int, now time.Time, staleAfter time.Duration) StalenessResult {
	deadline := updatedAt.Add(staleAfter)

	if currentIndex <= 0 {
		return StalenessResult{
			IsStale:       false,
			NextCheckTime: deadline,
			Reason:        "job has not started processing rows",
		}
	}
	if staleAfter <= 0 {
		return StalenessResult{
			IsStale: false,
			Reason:  "staleness detection disabled",
		}
	}

	idle := now.Sub(updatedAt)
	if idle > staleAfter {
		return StalenessResult{
			IsStale: true,
			Reason:  fmt.Sprintf("no progress for %s (limit %s)", idle.Truncate(time.Second), staleAfter),
		}
	}

	return StalenessResult{
		IsStale:       false,
		NextCheckTime: deadline,
		Reason:        fmt.Sprintf("last progress %s ago", idle.Truncate(time.Second)),
	}
}

// CheckUploadStaleness decides whether a batch submission was interrupted
// while uploading. Unlike cursor jobs there is no partial progress to protect.
func CheckUploadStaleness(updatedAt time.Time, now time.Time, staleAfter time.Duration) StalenessResult {
	if staleAfter <= 0 {
		return StalenessResult{Reason: "staleness detection disabled"}
	}
	idle := now.Sub(updatedAt)
	if idle > staleAfter {
		return StalenessResult{
			IsStale: true,
			Reason:  fmt.Sprintf("upload interrupted: no update for %s", idle.Truncate(time.Second)),
		}
	}
	return StalenessResult{
		NextCheckTime: updatedAt.Add(staleAfter),
		Reason:        "upload in progress",
	}
}
