package model

import (
	"encoding/json"
	"time"
)

// RequestStatus is the lifecycle state of a credential request. The state
// machine only moves forward: PENDING → APPROVED → ISSUED, with DENIED and
// EXPIRED as terminal exits from PENDING/APPROVED.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusIssued   RequestStatus = "ISSUED"
	StatusDenied   RequestStatus = "DENIED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusDenied || s == StatusExpired
}

// CanTransition reports whether the state machine permits moving from s to
// next. Terminal states reject everything; DENIED/EXPIRED are reachable from
// any non-terminal state.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusApproved:
		return s == StatusPending
	case StatusIssued:
		return s == StatusApproved
	case StatusDenied, StatusExpired:
		return true
	default:
		return false
	}
}

// PatientContext carries the clinical context a request was made under. All
// fields are optional; the broker treats it as opaque justification data.
type PatientContext struct {
	PatientID string `json:"patient_id,omitempty"`
	StudyID   string `json:"study_id,omitempty"`
	StudyUID  string `json:"study_instance_uid,omitempty"`
	Modality  string `json:"modality,omitempty"`
}

// CredentialRequest is one emergency access request. Every successful state
// transition is stamped in the audit ledger; ProofID always references the
// most recent stamp.
type CredentialRequest struct {
	ID             int64          `json:"-" db:"id"`
	ReqID          string         `json:"req_id" db:"req_id"`
	RequesterID    string         `json:"requester_id" db:"requester_id"`
	Status         RequestStatus  `json:"status" db:"status"`
	Reason         string         `json:"reason" db:"reason"`
	TargetVault    string         `json:"target_vault" db:"target_vault"`
	TargetPath     string         `json:"target_path" db:"target_path"`
	PatientContext PatientContext `json:"patient_context"`
	Emergency      bool           `json:"emergency" db:"emergency"`
	CreatedTS      time.Time      `json:"created_ts" db:"created_ts"`
	ExpiresTS      *time.Time     `json:"expires_ts,omitempty" db:"expires_ts"`
	ProofID        string         `json:"merkle_proof_id" db:"merkle_proof_id"`
}

// ExpiredAt reports whether the request's window has elapsed at time now.
// Requests without an expiry never expire.
func (r *CredentialRequest) ExpiredAt(now time.Time) bool {
	return r.ExpiresTS != nil && now.After(*r.ExpiresTS)
}

// MarshalContext serializes the patient context for storage.
func (r *CredentialRequest) MarshalContext() (string, error) {
	b, err := json.Marshal(r.PatientContext)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalContext restores the patient context from its stored form. An
// empty column is treated as an empty context.
func (r *CredentialRequest) UnmarshalContext(raw string) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), &r.PatientContext)
}
