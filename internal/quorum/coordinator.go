package quorum

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var noOpLogger = zap.NewNop()

// IdentityProvider is the account authority the final deletion step goes through.
type IdentityProvider interface {
	Reauthenticate(ctx context.Context, accountID string, credential identity.Credential) error
	DeleteAccount(ctx context.Context, accountID string) error
}

type Phase string

const (
	PhaseNoRequest        Phase = "no_request"
	PhasePendingApprovals Phase = "pending_approvals"
	PhaseQuorumMet        Phase = "quorum_met"
	PhaseExecuting        Phase = "executing"
	PhaseReauthRequired   Phase = "reauth_required"
	PhaseDeleted          Phase = "deleted"
)

// State is the deletion view of one device.
type State struct {
	DeviceID      string           `json:"device_id"`
	Phase         Phase            `json:"phase"`
	Sessions      []Session        `json:"sessions"`
	Request       *DeletionRequest `json:"request,omitempty"`
	ApprovedCount int              `json:"approved_count"`
	SessionCount  int              `json:"session_count"`
	Error         string           `json:"error,omitempty"`
}

type Config struct {
	Store       records.Store
	Identity    IdentityProvider
	AccountID   string
	DeviceID    device.ID
	Collections []string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Coordinator runs the all-devices-approve protocol for deleting one account.
type Coordinator struct {
	store       records.Store
	identity    IdentityProvider
	accountID   string
	deviceID    string
	collections []string
	clock       func() time.Time
	logger      *zap.Logger

	mu                  sync.Mutex
	phase               Phase
	sessions            []Session
	request             *DeletionRequest
	lastError           string
	baseCtx             context.Context
	cancelBase          context.CancelFunc
	subscriptionCancels []func()
	opened              bool
	closed              bool
	wg                  sync.WaitGroup

	listenersMu sync.Mutex
	listeners   map[int64]chan State
	nextID      int64
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_store", KindInternal, messageUnavailable, errMissingStore)
	}
	if cfg.Identity == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_identity", KindInternal, messageUnavailable, errMissingIdentity)
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, newServiceError(opCoordinatorNew, "missing_account_id", KindUnauthenticated, messageUnavailable, errMissingAccountID)
	}
	if strings.TrimSpace(cfg.DeviceID.String()) == "" {
		return nil, newServiceError(opCoordinatorNew, "missing_device_id", KindInternal, messageUnavailable, errMissingDeviceID)
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = AccountCollections
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:       cfg.Store,
		identity:    cfg.Identity,
		accountID:   strings.TrimSpace(cfg.AccountID),
		deviceID:    cfg.DeviceID.String(),
		collections: append([]string(nil), collections...),
		clock:       clock,
		logger:      logger,
		phase:       PhaseNoRequest,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		listeners:   make(map[int64]chan State),
	}, nil
}

// Open subscribes to the account's sessions and deletion requests. Every sessions snapshot
// re-evaluates the quorum, so an opened coordinator executes the deletion on its own.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newServiceError(opSubscribe, "closed", KindInternal, messageUnavailable, ErrAccountDeleted)
	}
	if c.opened {
		return nil
	}
	c.opened = true
	c.cancelBase()
	c.baseCtx, c.cancelBase = context.WithCancel(ctx)

	sessions, cancelSessions := c.store.Subscribe(c.baseCtx, c.sessionsQuery())
	requests, cancelRequests := c.store.Subscribe(c.baseCtx, c.requestsQuery())
	c.subscriptionCancels = []func(){cancelSessions, cancelRequests}
	c.wg.Add(2)
	go c.consumeSessions(sessions)
	go c.consumeRequests(requests)
	return nil
}

// Close cancels the subscriptions and any execution in flight and waits for them.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.subscriptionCancels
	c.subscriptionCancels = nil
	c.cancelBase()
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()

	c.listenersMu.Lock()
	for id, listener := range c.listeners {
		close(listener)
		delete(c.listeners, id)
	}
	c.listenersMu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Subscribe streams the state after every change. Slow readers only see the latest state.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan State, func()) {
	stream := make(chan State, 1)
	stream <- c.State()

	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = stream
	c.listenersMu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.listenersMu.Lock()
			if listener, ok := c.listeners[id]; ok {
				delete(c.listeners, id)
				close(listener)
			}
			c.listenersMu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// RegisterSession finds or creates this device's session and refreshes its lastActive.
func (c *Coordinator) RegisterSession(ctx context.Context) (Session, error) {
	now := c.clock().UTC()
	documents, err := c.store.Query(ctx, c.sessionsQuery().Where(fieldDeviceID, c.deviceID))
	if err != nil {
		return Session{}, c.fail(opRegister, "query_failed", KindTransport, prefixRegister+err.Error(), err)
	}
	for _, document := range documents {
		session, parseErr := SessionFromDocument(document)
		if parseErr != nil {
			c.logger.Warn("skipping malformed session", zap.String("session_id", document.ID), zap.Error(parseErr))
			continue
		}
		if err := c.store.Update(ctx, SessionsCollection, session.ID, records.Fields{fieldLastActive: formatTime(now)}); err != nil {
			return Session{}, c.fail(opRegister, "refresh_failed", KindTransport, prefixRegister+err.Error(), err)
		}
		session.LastActive = now
		return session, nil
	}

	session := Session{AccountID: c.accountID, DeviceID: c.deviceID, LastActive: now}
	id, err := c.store.Create(ctx, SessionsCollection, records.Fields{
		fieldAccountID:        c.accountID,
		fieldDeviceID:         c.deviceID,
		fieldLastActive:       formatTime(now),
		fieldApprovedDeletion: false,
	})
	if err != nil {
		return Session{}, c.fail(opRegister, "create_failed", KindTransport, prefixRegister+err.Error(), err)
	}
	session.ID = id
	c.logger.Info("device session registered",
		zap.String("account_id", c.accountID),
		zap.String("device_id", c.deviceID))
	return session, nil
}

// InitiateDeletion opens the account's single deletion request with this device's approval.
func (c *Coordinator) InitiateDeletion(ctx context.Context) (DeletionRequest, error) {
	if err := c.ensureActive(opInitiate); err != nil {
		return DeletionRequest{}, err
	}
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return DeletionRequest{}, c.fail(opInitiate, "sessions_query_failed", KindTransport, prefixInitiate+err.Error(), err)
	}
	if len(sessions) == 0 {
		return DeletionRequest{}, c.fail(opInitiate, "no_sessions", KindPrecondition, messageNoSessions, ErrNoSessions)
	}
	own, found := findSession(sessions, c.deviceID)
	if !found {
		return DeletionRequest{}, c.fail(opInitiate, "session_not_registered", KindPrecondition, messageNotRegistered, ErrSessionNotRegistered)
	}
	existing, err := c.loadRequest(ctx)
	if err != nil {
		return DeletionRequest{}, c.fail(opInitiate, "request_query_failed", KindTransport, prefixInitiate+err.Error(), err)
	}
	if existing != nil {
		return DeletionRequest{}, c.fail(opInitiate, "already_requested", KindPrecondition, messageAlreadyRequested, ErrDeletionAlreadyRequested)
	}

	request := DeletionRequest{
		AccountID:   c.accountID,
		InitiatedBy: c.deviceID,
		InitiatedAt: c.clock().UTC(),
		Approvals:   []Approval{{DeviceID: c.deviceID, Approved: true}},
	}
	id, err := c.store.Create(ctx, RequestsCollection, records.Fields{
		fieldAccountID:   c.accountID,
		fieldInitiatedBy: request.InitiatedBy,
		fieldInitiatedAt: formatTime(request.InitiatedAt),
		fieldApprovals:   approvalsField(request.Approvals),
	})
	if err != nil {
		return DeletionRequest{}, c.fail(opInitiate, "create_failed", KindTransport, prefixInitiate+err.Error(), err)
	}
	request.ID = id

	if err := c.store.Update(ctx, SessionsCollection, own.ID, records.Fields{fieldApprovedDeletion: true}); err != nil {
		return DeletionRequest{}, c.fail(opInitiate, "session_update_failed", KindTransport, prefixInitiate+err.Error(), err)
	}

	c.mu.Lock()
	c.request = &request
	c.sessions = withApproval(sessions, c.deviceID)
	c.lastError = ""
	c.derivePhaseLocked()
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("account deletion requested",
		zap.String("account_id", c.accountID),
		zap.String("device_id", c.deviceID),
		zap.Int("session_count", len(sessions)))
	return request, nil
}

// ApproveDeletion records this device's approval on the pending request and its session.
func (c *Coordinator) ApproveDeletion(ctx context.Context) (DeletionRequest, error) {
	if err := c.ensureActive(opApprove); err != nil {
		return DeletionRequest{}, err
	}
	request, err := c.loadRequest(ctx)
	if err != nil {
		return DeletionRequest{}, c.fail(opApprove, "request_query_failed", KindTransport, prefixApprove+err.Error(), err)
	}
	if request == nil {
		return DeletionRequest{}, c.fail(opApprove, "no_request", KindPrecondition, messageNoRequest, ErrNoDeletionRequest)
	}
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return DeletionRequest{}, c.fail(opApprove, "sessions_query_failed", KindTransport, prefixApprove+err.Error(), err)
	}
	own, found := findSession(sessions, c.deviceID)
	if !found {
		return DeletionRequest{}, c.fail(opApprove, "session_not_registered", KindPrecondition, messageNotRegistered, ErrSessionNotRegistered)
	}

	err = c.store.Mutate(ctx, RequestsCollection, request.ID, func(current records.Fields) (records.Fields, error) {
		approvals, err := approvalsFromField(current[fieldApprovals])
		if err != nil {
			return nil, err
		}
		request.Approvals = upsertApproval(approvals, c.deviceID)
		return records.Fields{fieldApprovals: approvalsField(request.Approvals)}, nil
	})
	if err != nil {
		return DeletionRequest{}, c.fail(opApprove, "request_update_failed", KindTransport, prefixApprove+err.Error(), err)
	}
	if err := c.store.Update(ctx, SessionsCollection, own.ID, records.Fields{fieldApprovedDeletion: true}); err != nil {
		return DeletionRequest{}, c.fail(opApprove, "session_update_failed", KindTransport, prefixApprove+err.Error(), err)
	}

	c.mu.Lock()
	c.request = request
	c.sessions = withApproval(sessions, c.deviceID)
	c.lastError = ""
	c.derivePhaseLocked()
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("account deletion approved",
		zap.String("account_id", c.accountID),
		zap.String("device_id", c.deviceID))
	return *request, nil
}

// EvaluateQuorum reads the current sessions and executes the deletion when all of them
// approved. It reports whether this call ran an execution pass.
func (c *Coordinator) EvaluateQuorum(ctx context.Context) (bool, error) {
	sessions, err := c.loadSessions(ctx)
	if err != nil {
		return false, c.fail(opEvaluate, "sessions_query_failed", KindTransport, prefixSessions+err.Error(), err)
	}
	return c.evaluate(sessions)
}

// ExecuteDeletion retries an execution pass after a failure left the quorum met.
func (c *Coordinator) ExecuteDeletion(ctx context.Context) error {
	c.mu.Lock()
	switch c.phase {
	case PhaseDeleted:
		c.mu.Unlock()
		return newServiceError(opExecute, "deleted", KindPrecondition, messageAccountDeleted, ErrAccountDeleted)
	case PhaseReauthRequired:
		c.mu.Unlock()
		return newServiceError(opExecute, "reauth_required", KindReauthRequired, messageReauthRequired, ErrReauthRequired)
	case PhaseQuorumMet:
		c.phase = PhaseExecuting
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		ran, err := c.EvaluateQuorum(ctx)
		if err != nil || ran {
			return err
		}
		return newServiceError(opExecute, "quorum_not_met", KindPrecondition, messageQuorumNotMet, ErrQuorumNotMet)
	}
	c.broadcast()
	return c.execute()
}

// Reauthenticate supplies a fresh credential while the deletion waits for one and resumes it.
func (c *Coordinator) Reauthenticate(ctx context.Context, credential identity.Credential) error {
	c.mu.Lock()
	if c.phase != PhaseReauthRequired {
		c.mu.Unlock()
		return newServiceError(opReauthenticate, "not_required", KindPrecondition, messageReauthNotRequired, ErrReauthNotRequired)
	}
	c.mu.Unlock()

	err := c.identity.Reauthenticate(ctx, c.accountID, credential)
	switch {
	case errors.Is(err, identity.ErrAccountNotFound):
		c.markDeleted()
		return nil
	case errors.Is(err, identity.ErrInvalidCredentials):
		return c.fail(opReauthenticate, "invalid_credentials", KindUnauthenticated, messageWrongCredential, err)
	case err != nil:
		return c.fail(opReauthenticate, "reauthenticate_failed", KindTransport, prefixDelete+err.Error(), err)
	}

	c.mu.Lock()
	if c.phase != PhaseReauthRequired {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseExecuting
	c.lastError = ""
	c.mu.Unlock()
	c.broadcast()
	return c.execute()
}

func (c *Coordinator) evaluate(sessions []Session) (bool, error) {
	c.mu.Lock()
	c.sessions = sessions
	switch c.phase {
	case PhaseExecuting, PhaseReauthRequired, PhaseDeleted:
		c.mu.Unlock()
		c.broadcast()
		return false, nil
	}
	if !QuorumMet(sessions) {
		c.derivePhaseLocked()
		c.mu.Unlock()
		c.broadcast()
		return false, nil
	}
	c.phase = PhaseExecuting
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("deletion quorum met",
		zap.String("account_id", c.accountID),
		zap.String("device_id", c.deviceID),
		zap.Int("session_count", len(sessions)))
	return true, c.execute()
}

// execute erases the account data and then the account. It runs on the coordinator's own
// context so that a departing caller cannot leave the deletion half done.
func (c *Coordinator) execute() error {
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()

	if err := c.deleteAccountData(ctx); err != nil {
		c.mu.Lock()
		c.phase = PhaseQuorumMet
		c.lastError = prefixDeleteData + err.Error()
		c.mu.Unlock()
		c.broadcast()
		c.logError(opExecute, "delete_data_failed", err)
		return newServiceError(opExecute, "delete_data_failed", KindTransport, prefixDeleteData+err.Error(), err)
	}

	err := c.identity.DeleteAccount(ctx, c.accountID)
	switch {
	case err == nil, errors.Is(err, identity.ErrAccountNotFound):
		c.markDeleted()
		return nil
	case errors.Is(err, identity.ErrRequiresRecentLogin):
		c.mu.Lock()
		c.phase = PhaseReauthRequired
		c.lastError = messageReauthRequired
		c.mu.Unlock()
		c.broadcast()
		c.logger.Info("account deletion waiting for reauthentication",
			zap.String("account_id", c.accountID),
			zap.String("device_id", c.deviceID))
		return newServiceError(opExecute, "reauth_required", KindReauthRequired, messageReauthRequired, errors.Join(ErrReauthRequired, err))
	default:
		c.mu.Lock()
		c.phase = PhaseQuorumMet
		c.lastError = prefixDelete + err.Error()
		c.mu.Unlock()
		c.broadcast()
		c.logError(opExecute, "delete_account_failed", err)
		return newServiceError(opExecute, "delete_account_failed", KindTransport, prefixDelete+err.Error(), err)
	}
}

// deleteAccountData removes the account's documents from every collection concurrently.
// Documents already gone are skipped.
func (c *Coordinator) deleteAccountData(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, collection := range c.collections {
		group.Go(func() error {
			documents, err := c.store.Query(groupCtx, records.Query{Collection: collection}.Where(fieldAccountID, c.accountID))
			if err != nil {
				return err
			}
			for _, document := range documents {
				err := c.store.Delete(groupCtx, collection, document.ID)
				if err != nil && !errors.Is(err, records.ErrNotFound) {
					return err
				}
			}
			return nil
		})
	}
	return group.Wait()
}

func (c *Coordinator) markDeleted() {
	c.mu.Lock()
	alreadyDeleted := c.phase == PhaseDeleted
	c.phase = PhaseDeleted
	c.sessions = nil
	c.request = nil
	c.lastError = ""
	c.mu.Unlock()
	c.broadcast()
	if !alreadyDeleted {
		c.logger.Info("account deleted",
			zap.String("account_id", c.accountID),
			zap.String("device_id", c.deviceID))
	}
}

func (c *Coordinator) consumeSessions(stream <-chan records.Snapshot) {
	defer c.wg.Done()
	for snapshot := range stream {
		if snapshot.Err != nil {
			c.recordSubscriptionError(prefixSessions, snapshot.Err)
			continue
		}
		sessions := c.parseSessions(snapshot.Documents)
		if _, err := c.evaluate(sessions); err != nil {
			c.logger.Warn("reactive deletion pass failed",
				zap.String("account_id", c.accountID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) consumeRequests(stream <-chan records.Snapshot) {
	defer c.wg.Done()
	for snapshot := range stream {
		if snapshot.Err != nil {
			c.recordSubscriptionError(prefixRequests, snapshot.Err)
			continue
		}
		request := c.firstRequest(snapshot.Documents)
		c.mu.Lock()
		c.request = request
		c.derivePhaseLocked()
		c.mu.Unlock()
		c.broadcast()
	}
}

func (c *Coordinator) recordSubscriptionError(prefix string, err error) {
	c.mu.Lock()
	c.lastError = prefix + err.Error()
	c.mu.Unlock()
	c.logError(opSubscribe, "snapshot_failed", err)
	c.broadcast()
}

// derivePhaseLocked recomputes the phase from the held request and sessions unless an
// execution owns it.
func (c *Coordinator) derivePhaseLocked() {
	switch c.phase {
	case PhaseExecuting, PhaseReauthRequired, PhaseDeleted:
		return
	}
	switch {
	case c.request == nil && !QuorumMet(c.sessions):
		c.phase = PhaseNoRequest
	case QuorumMet(c.sessions):
		c.phase = PhaseQuorumMet
	default:
		c.phase = PhasePendingApprovals
	}
}

func (c *Coordinator) ensureActive(operation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDeleted {
		return newServiceError(operation, "deleted", KindPrecondition, messageAccountDeleted, ErrAccountDeleted)
	}
	return nil
}

func (c *Coordinator) sessionsQuery() records.Query {
	return records.Query{Collection: SessionsCollection}.Where(fieldAccountID, c.accountID)
}

func (c *Coordinator) requestsQuery() records.Query {
	query := records.Query{Collection: RequestsCollection}.Where(fieldAccountID, c.accountID)
	query.OrderBy = &records.Order{Field: fieldInitiatedAt}
	return query
}

func (c *Coordinator) loadSessions(ctx context.Context) ([]Session, error) {
	documents, err := c.store.Query(ctx, c.sessionsQuery())
	if err != nil {
		return nil, err
	}
	return c.parseSessions(documents), nil
}

func (c *Coordinator) loadRequest(ctx context.Context) (*DeletionRequest, error) {
	documents, err := c.store.Query(ctx, c.requestsQuery())
	if err != nil {
		return nil, err
	}
	return c.firstRequest(documents), nil
}

func (c *Coordinator) parseSessions(documents []records.Document) []Session {
	sessions := make([]Session, 0, len(documents))
	for _, document := range documents {
		session, err := SessionFromDocument(document)
		if err != nil {
			c.logger.Warn("skipping malformed session", zap.String("session_id", document.ID), zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// firstRequest returns the oldest well-formed request; later duplicates from racing
// initiators are ignored.
func (c *Coordinator) firstRequest(documents []records.Document) *DeletionRequest {
	for _, document := range documents {
		request, err := RequestFromDocument(document)
		if err != nil {
			c.logger.Warn("skipping malformed deletion request", zap.String("request_id", document.ID), zap.Error(err))
			continue
		}
		return &request
	}
	return nil
}

func withApproval(sessions []Session, deviceID string) []Session {
	updated := make([]Session, len(sessions))
	for i, session := range sessions {
		if session.DeviceID == deviceID {
			session.ApprovedDeletion = true
		}
		updated[i] = session
	}
	return updated
}

func findSession(sessions []Session, deviceID string) (Session, bool) {
	for _, session := range sessions {
		if session.DeviceID == deviceID {
			return session, true
		}
	}
	return Session{}, false
}

func (c *Coordinator) stateLocked() State {
	state := State{
		DeviceID:     c.deviceID,
		Phase:        c.phase,
		Sessions:     append([]Session{}, c.sessions...),
		SessionCount: len(c.sessions),
		Error:        c.lastError,
	}
	for _, session := range c.sessions {
		if session.ApprovedDeletion {
			state.ApprovedCount++
		}
	}
	if c.request != nil {
		request := *c.request
		request.Approvals = append([]Approval{}, c.request.Approvals...)
		state.Request = &request
	}
	return state
}

func (c *Coordinator) fail(operation, reason, kind, message string, cause error) error {
	c.mu.Lock()
	c.lastError = message
	c.mu.Unlock()
	c.broadcast()
	if kind == KindTransport {
		c.logError(operation, reason, cause)
	}
	return newServiceError(operation, reason, kind, message, cause)
}

func (c *Coordinator) broadcast() {
	state := c.State()
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, listener := range c.listeners {
		select {
		case listener <- state:
			continue
		default:
		}
		select {
		case <-listener:
		default:
		}
		select {
		case listener <- state:
		default:
		}
	}
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("account_id", c.accountID),
		zap.String("device_id", c.deviceID),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("deletion quorum error", attrs...)
}
