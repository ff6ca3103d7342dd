package types

import (
	"fmt"
	"net/http"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusSubmitted      Status = "submitted"
	StatusResubmitted    Status = "resubmitted"
	StatusSucceeded      Status = "succeeded"
	StatusFailedOffchain Status = "failed_offchain"
	StatusFailedOnchain  Status = "failed_onchain"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusSubmitted,
	StatusResubmitted,
	StatusSucceeded,
	StatusFailedOffchain,
	StatusFailedOnchain,
}

// ActiveStatuses are the statuses the orchestrator still drives.
var ActiveStatuses = []Status{StatusPending, StatusSubmitted, StatusResubmitted}

// Self transitions on active statuses carry bookkeeping writes only.
var stateTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPending:        true,
		StatusSubmitted:      true,
		StatusFailedOffchain: true,
	},
	StatusSubmitted: {
		StatusSubmitted:      true,
		StatusResubmitted:    true,
		StatusSucceeded:      true,
		StatusFailedOnchain:  true,
		StatusFailedOffchain: true,
	},
	StatusResubmitted: {
		StatusResubmitted:    true,
		StatusSubmitted:      true,
		StatusSucceeded:      true,
		StatusFailedOnchain:  true,
		StatusFailedOffchain: true,
	},
}

func (s Status) CanTransitionTo(next Status) bool {
	return stateTransitions[s][next]
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedOffchain, StatusFailedOnchain:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

const (
	StatusCodeNotFound = http.StatusNotFound
	StatusCodeInternal = http.StatusInternalServerError
)

// Code maps a stored status to its externally visible status code.
// A reverted transaction reports 500, the "reverted" code of EIP-5792.
func (s Status) Code() int {
	switch s {
	case StatusPending, StatusSubmitted, StatusResubmitted:
		return http.StatusCreated
	case StatusSucceeded:
		return http.StatusOK
	case StatusFailedOffchain:
		return http.StatusBadRequest
	case StatusFailedOnchain:
		return http.StatusInternalServerError
	}
	return StatusCodeInternal
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
