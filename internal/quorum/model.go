package quorum

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/spf13/cast"
)

const (
	SessionsCollection = "sessions"
	RequestsCollection = "deletionRequests"

	fieldAccountID        = records.AccountField
	fieldDeviceID         = "deviceId"
	fieldLastActive       = "lastActive"
	fieldApprovedDeletion = "approvedDeletion"
	fieldInitiatedBy      = "initiatedBy"
	fieldInitiatedAt      = "initiatedAt"
	fieldApprovals        = "approvals"
	fieldApproved         = "approved"
)

// AccountCollections lists every collection whose per-account documents are erased on deletion.
var AccountCollections = []string{"vehicles", "drivers", "reports", "tracking", SessionsCollection, RequestsCollection}

var errInvalidDocument = errors.New("invalid quorum document")

// Session is one device's membership in its account's approval quorum.
type Session struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	DeviceID         string    `json:"device_id"`
	LastActive       time.Time `json:"last_active"`
	ApprovedDeletion bool      `json:"approved_deletion"`
}

type Approval struct {
	DeviceID string `json:"device_id"`
	Approved bool   `json:"approved"`
}

type DeletionRequest struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	InitiatedBy string     `json:"initiated_by"`
	InitiatedAt time.Time  `json:"initiated_at"`
	Approvals   []Approval `json:"approvals"`
}

// QuorumMet reports whether every registered session approved deletion. An account with no
// sessions never meets quorum.
func QuorumMet(sessions []Session) bool {
	if len(sessions) == 0 {
		return false
	}
	for _, session := range sessions {
		if !session.ApprovedDeletion {
			return false
		}
	}
	return true
}

func SessionFromDocument(document records.Document) (Session, error) {
	accountID, err := document.Fields.String(fieldAccountID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	deviceID, err := document.Fields.String(fieldDeviceID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(deviceID) == "" {
		return Session{}, fmt.Errorf("%w: empty account or device", errInvalidDocument)
	}
	lastActive, err := document.Fields.Time(fieldLastActive)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	approved := false
	if _, present := document.Fields[fieldApprovedDeletion]; present {
		approved, err = document.Fields.Bool(fieldApprovedDeletion)
		if err != nil {
			return Session{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
		}
	}
	return Session{
		ID:               document.ID,
		AccountID:        accountID,
		DeviceID:         deviceID,
		LastActive:       lastActive.UTC(),
		ApprovedDeletion: approved,
	}, nil
}

func RequestFromDocument(document records.Document) (DeletionRequest, error) {
	accountID, err := document.Fields.String(fieldAccountID)
	if err != nil {
		return DeletionRequest{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	initiatedBy, err := document.Fields.String(fieldInitiatedBy)
	if err != nil {
		return DeletionRequest{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	initiatedAt, err := document.Fields.Time(fieldInitiatedAt)
	if err != nil {
		return DeletionRequest{}, fmt.Errorf("%w: %v", errInvalidDocument, err)
	}
	approvals, err := approvalsFromField(document.Fields[fieldApprovals])
	if err != nil {
		return DeletionRequest{}, err
	}
	return DeletionRequest{
		ID:          document.ID,
		AccountID:   accountID,
		InitiatedBy: initiatedBy,
		InitiatedAt: initiatedAt.UTC(),
		Approvals:   approvals,
	}, nil
}

func approvalsFromField(raw any) ([]Approval, error) {
	if raw == nil {
		return []Approval{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: approvals must be a list", errInvalidDocument)
	}
	approvals := make([]Approval, 0, len(items))
	for _, item := range items {
		entry, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("%w: approval entry: %v", errInvalidDocument, err)
		}
		deviceID, err := records.Fields(entry).String(fieldDeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidDocument, err)
		}
		approved, err := records.Fields(entry).Bool(fieldApproved)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidDocument, err)
		}
		approvals = append(approvals, Approval{DeviceID: deviceID, Approved: approved})
	}
	return approvals, nil
}

func approvalsField(approvals []Approval) []any {
	items := make([]any, 0, len(approvals))
	for _, approval := range approvals {
		items = append(items, map[string]any{
			fieldDeviceID: approval.DeviceID,
			fieldApproved: approval.Approved,
		})
	}
	return items
}

// upsertApproval marks deviceID as approving, adding an entry when the device has not acted yet.
func upsertApproval(approvals []Approval, deviceID string) []Approval {
	updated := make([]Approval, 0, len(approvals)+1)
	found := false
	for _, approval := range approvals {
		if approval.DeviceID == deviceID {
			approval.Approved = true
			found = true
		}
		updated = append(updated, approval)
	}
	if !found {
		updated = append(updated, Approval{DeviceID: deviceID, Approved: true})
	}
	return updated
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
