// Package adapter holds the remote state vocabularies of the supported scan
// tools and the HTTP plumbing used to follow a delegated job.
package adapter

import (
	"github.com/3leaps/gopds/pkg/pdsjob"
	"github.com/3leaps/gopds/pkg/remotepoll"
)

// PDSHooks follows a job on another product delegation server.
func PDSHooks() remotepoll.StateHooks {
	return remotepoll.StateHooks{
		Waiting: []string{
			string(pdsjob.StateCreated),
			string(pdsjob.StateQueued),
			string(pdsjob.StateReadyToStart),
			string(pdsjob.StateRunning),
			string(pdsjob.StateCancelRequested),
		},
		Complete: []string{string(pdsjob.StateDone)},
		Canceled: []string{string(pdsjob.StateCanceled)},
		Failed:   []string{string(pdsjob.StateFailed)},
		LogHint:  "the job messages of the remote server",
	}
}

// NetsparkerHooks follows a Netsparker scan.
func NetsparkerHooks() remotepoll.StateHooks {
	return remotepoll.StateHooks{
		Waiting:  []string{"Queued", "Scanning", "Archiving", "Delayed", "Pausing", "Paused", "Resuming"},
		Complete: []string{"Complete"},
		Canceled: []string{"Cancelled"},
		Failed:   []string{"Failed"},
		LogHint:  "the Netsparker log files",
	}
}

// CheckmarxHooks follows a Checkmarx scan queue entry.
func CheckmarxHooks() remotepoll.StateHooks {
	return remotepoll.StateHooks{
		Waiting:  []string{"New", "PreScan", "Queued", "Scanning", "PostScan"},
		Complete: []string{"Finished"},
		Canceled: []string{"Canceled"},
		Failed:   []string{"Failed"},
		LogHint:  "the Checkmarx scan logs",
	}
}

// HooksFor returns the vocabulary for a tool name.
func HooksFor(tool string) (remotepoll.StateHooks, bool) {
	switch tool {
	case "pds", "":
		return PDSHooks(), true
	case "netsparker":
		return NetsparkerHooks(), true
	case "checkmarx":
		return CheckmarxHooks(), true
	default:
		return remotepoll.StateHooks{}, false
	}
}
