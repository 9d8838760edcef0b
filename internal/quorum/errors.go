package quorum

import (
	"errors"
	"fmt"
)

var (
	ErrNoSessions               = errors.New("no registered sessions")
	ErrSessionNotRegistered     = errors.New("device session not registered")
	ErrDeletionAlreadyRequested = errors.New("deletion already requested")
	ErrNoDeletionRequest        = errors.New("no deletion request")
	ErrQuorumNotMet             = errors.New("deletion quorum not met")
	ErrReauthRequired           = errors.New("reauthentication required")
	ErrReauthNotRequired        = errors.New("reauthentication not pending")
	ErrAccountDeleted           = errors.New("account deleted")

	errMissingStore     = errors.New("record store is required")
	errMissingIdentity  = errors.New("identity provider is required")
	errMissingAccountID = errors.New("account id is required")
	errMissingDeviceID  = errors.New("device id is required")
)

const (
	KindValidation      = "validation"
	KindPrecondition    = "precondition"
	KindTransport       = "transport"
	KindReauthRequired  = "reauth_required"
	KindUnauthenticated = "unauthenticated"
	KindInternal        = "internal"
)

const (
	messageNoSessions        = "No registered sessions found for this account."
	messageNotRegistered     = "This device is not registered. Reload the app and try again."
	messageAlreadyRequested  = "A deletion request is already pending for this account."
	messageNoRequest         = "No pending deletion request found."
	messageQuorumNotMet      = "Not every device has approved the deletion yet."
	messageReauthRequired    = "Please enter your password to confirm account deletion."
	messageReauthNotRequired = "Account deletion is not waiting for a password."
	messageWrongCredential   = "Incorrect password. Please try again."
	messageAccountDeleted    = "This account has been deleted."
	messageUnavailable       = "Account deletion is not available."

	prefixRegister   = "Failed to register this device: "
	prefixInitiate   = "Failed to request account deletion: "
	prefixApprove    = "Failed to approve account deletion: "
	prefixDeleteData = "Failed to delete account data: "
	prefixDelete     = "Failed to delete account: "
	prefixSessions   = "Failed to fetch sessions: "
	prefixRequests   = "Failed to fetch deletion requests: "
)

type ServiceError struct {
	code    string
	kind    string
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() string {
	return e.kind
}

func (e *ServiceError) UserMessage() string {
	return e.message
}

const (
	opCoordinatorNew = "quorum.coordinator.new"
	opRegister       = "quorum.register_session"
	opInitiate       = "quorum.initiate"
	opApprove        = "quorum.approve"
	opEvaluate       = "quorum.evaluate"
	opExecute        = "quorum.execute"
	opReauthenticate = "quorum.reauthenticate"
	opSubscribe      = "quorum.subscribe"
)

func newServiceError(operation, reason, kind, message string, cause error) *ServiceError {
	return &ServiceError{
		code:    fmt.Sprintf("%s.%s", operation, reason),
		kind:    kind,
		message: message,
		err:     cause,
	}
}
