package tracking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

type Config struct {
	Store     records.Store
	Positions geo.Source
	AccountID string
	DeviceID  device.ID
	Clock     func() time.Time
	Logger    *zap.Logger
}

// ManualInput carries coordinates typed by the operator.
type ManualInput struct {
	Latitude     string
	Longitude    string
	LocationName string
}

type StartRequest struct {
	VehicleID string
	// Manual is required while the coordinator is in manual mode and ignored otherwise.
	Manual ManualInput
}

// Coordinator arbitrates which device writes a vehicle's position and keeps the live
// tracking view of one device up to date. All methods are safe for concurrent use.
type Coordinator struct {
	store     records.Store
	positions geo.Source
	accountID string
	deviceID  string
	clock     func() time.Time
	logger    *zap.Logger

	// sampleMu serialises sample writes against StopTracking.
	sampleMu   sync.Mutex
	mu         sync.Mutex
	state      viewState
	baseCtx    context.Context
	cancelBase context.CancelFunc
	closed     bool
	listCancel func()
	selection  *selection
	watch      *activeWatch
	wg         sync.WaitGroup

	listenersMu sync.Mutex
	listeners   map[int64]chan View
	nextID      int64
}

type selection struct {
	vehicleID string
	cancel    func()
}

type activeWatch struct {
	handle geo.Watch
	cancel context.CancelFunc
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_store", KindInternal, messageNotOpen, errMissingStore)
	}
	if cfg.Positions == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_positions", KindInternal, messageNotOpen, errMissingPositions)
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, newServiceError(opCoordinatorNew, "missing_account_id", KindInternal, messageNotOpen, errMissingAccountID)
	}
	if strings.TrimSpace(cfg.DeviceID.String()) == "" {
		return nil, newServiceError(opCoordinatorNew, "missing_device_id", KindInternal, messageNotOpen, errMissingDeviceID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:     cfg.Store,
		positions: cfg.Positions,
		accountID: strings.TrimSpace(cfg.AccountID),
		deviceID:  cfg.DeviceID.String(),
		clock:     clock,
		logger:    logger,
		state:     viewState{phase: PhaseIdle},
		listeners: make(map[int64]chan View),
	}, nil
}

// Open starts the fleet-wide tracked vehicles subscription. Every subscription and watch
// the coordinator starts later is bound to ctx.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newServiceError(opOpen, "closed", KindInternal, messageNotOpen, ErrClosed)
	}
	if c.baseCtx != nil {
		return nil
	}
	c.baseCtx, c.cancelBase = context.WithCancel(ctx)
	stream, cancel := c.store.Subscribe(c.baseCtx, records.Query{
		Collection: Collection,
		OrderBy:    &records.Order{Field: fieldTimestamp, Descending: true},
	})
	c.listCancel = cancel
	c.wg.Add(1)
	go c.consumeTracked(stream)
	return nil
}

// Close tears down every subscription and the position watch and waits for them to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.clearSelectionLocked()
	if c.listCancel != nil {
		c.listCancel()
		c.listCancel = nil
	}
	if c.cancelBase != nil {
		c.cancelBase()
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.listenersMu.Lock()
	for id, listener := range c.listeners {
		close(listener)
		delete(c.listeners, id)
	}
	c.listenersMu.Unlock()
}

// DeviceID returns the identity this coordinator writes records as.
func (c *Coordinator) DeviceID() string {
	return c.deviceID
}

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot(c.deviceID, c.watch != nil)
}

// TrackedVehicles returns the newest record of every vehicle, newest first.
func (c *Coordinator) TrackedVehicles() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.state.tracked...)
}

// Subscribe streams the view after every change. Slow readers only see the latest view.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan View, func()) {
	stream := make(chan View, 1)
	stream <- c.View()

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

func (c *Coordinator) StartTracking(ctx context.Context, request StartRequest) (Record, error) {
	vehicleID := strings.TrimSpace(request.VehicleID)
	if vehicleID == "" {
		return Record{}, c.fail(opStart, "missing_vehicle", KindValidation, messageSelectVehicle, ErrVehicleRequired)
	}

	c.mu.Lock()
	if err := c.readyLocked(opStart); err != nil {
		c.mu.Unlock()
		return Record{}, err
	}
	manual := c.state.manual
	inFlight := c.state.phase == PhaseRequesting && c.state.selectedVehicleID == vehicleID
	c.mu.Unlock()
	if inFlight {
		return Record{}, c.fail(opStart, "in_progress", KindPrecondition, messageStartInProgress, ErrStartInProgress)
	}

	var lat, lng float64
	locationName := gpsLocationName
	method := MethodGPS
	if manual {
		parsedLat, parsedLng, err := geo.ParseCoordinates(request.Manual.Latitude, request.Manual.Longitude)
		switch {
		case errors.Is(err, geo.ErrCoordinatesRequired):
			return Record{}, c.fail(opStart, "missing_coordinates", KindValidation, messageCoordinatesMissing, ErrCoordinatesRequired)
		case err != nil:
			return Record{}, c.fail(opStart, "invalid_coordinates", KindValidation, messageInvalidCoordinates, errors.Join(ErrInvalidCoordinates, err))
		}
		lat, lng = parsedLat, parsedLng
		locationName = strings.TrimSpace(request.Manual.LocationName)
		if locationName == "" {
			locationName = defaultManualLocationName
		}
		method = MethodManual
	}

	holder, err := c.activeHolder(ctx, vehicleID)
	if err != nil {
		return Record{}, c.fail(opStart, "status_check_failed", KindTransport, prefixCheckStatus+err.Error(), err)
	}
	if holder != "" && holder != c.deviceID {
		return Record{}, c.fail(opStart, "tracked_elsewhere", KindPrecondition, messageTrackedElsewhere, ErrTrackedByAnotherDevice)
	}

	c.mu.Lock()
	if err := c.readyLocked(opStart); err != nil {
		c.mu.Unlock()
		return Record{}, err
	}
	if c.state.selectedVehicleID != vehicleID {
		c.selectLocked(vehicleID)
	}
	c.state.phase = PhaseRequesting
	c.state.lastError = ""
	c.mu.Unlock()
	c.broadcast()

	if !manual {
		position, err := c.positions.Current(ctx)
		if err != nil {
			c.abortRequest(vehicleID)
			return Record{}, c.fail(opStart, "position_unavailable", KindTransport, prefixLocation+err.Error(), err)
		}
		lat, lng = position.Lat, position.Lng
	}

	record := c.newRecord(vehicleID, lat, lng, locationName, method)
	id, err := c.store.Create(ctx, Collection, record.fields())
	if err != nil {
		c.abortRequest(vehicleID)
		return Record{}, c.fail(opStart, "create_failed", KindTransport, prefixSaveLocation+err.Error(), err)
	}
	record.ID = id

	c.mu.Lock()
	if c.state.selectedVehicleID == vehicleID && !c.closed {
		c.state.phase = PhaseControlling
		c.state.isTracking = true
		c.state.controller = c.deviceID
		c.state.activeRecordID = id
		c.state.activeSeen = false
		c.state.current = &Location{Lat: lat, Lng: lng, Name: locationName}
		c.settleActiveLocked()
	}
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("tracking started",
		zap.String("vehicle_id", vehicleID),
		zap.String("device_id", c.deviceID),
		zap.String("method", string(method)))
	return record, nil
}

// StopTracking suspends sampling, waits for a sample write already in flight and then marks
// every active record this device holds for the vehicle as no longer tracking.
func (c *Coordinator) StopTracking(ctx context.Context, vehicleID, recordID string) error {
	recordID = strings.TrimSpace(recordID)
	vehicleID = strings.TrimSpace(vehicleID)
	if recordID == "" {
		return c.fail(opStop, "no_active_record", KindValidation, messageNoActiveSession, ErrNoActiveSession)
	}

	document, err := c.ownedRecord(ctx, opStop, recordID)
	if err != nil {
		return err
	}
	if vehicleID == "" {
		vehicleID, _ = document.Fields.OptionalString(fieldVehicleID)
	}

	c.mu.Lock()
	selected := c.state.selectedVehicleID
	stopsSelection := selected != "" && (selected == vehicleID || c.state.activeRecordID == recordID)
	if stopsSelection {
		c.state.isTracking = false
		c.state.controller = ""
		c.state.activeRecordID = ""
		c.state.activeSeen = false
		if c.state.phase != PhaseSuperseded && c.state.phase != PhaseRemoved {
			c.state.phase = PhaseStopped
		}
		c.stopWatchLocked()
	}
	c.mu.Unlock()

	c.sampleMu.Lock()
	err = c.deactivateRecords(ctx, vehicleID, recordID)
	c.sampleMu.Unlock()
	if errors.Is(err, records.ErrNotFound) {
		return c.fail(opStop, "not_found", KindPrecondition, messageRecordNotFound, errors.Join(ErrRecordNotFound, err))
	}
	if err != nil {
		return c.fail(opStop, "update_failed", KindTransport, prefixStop+err.Error(), err)
	}

	c.mu.Lock()
	c.reconcileWatchLocked()
	c.state.lastError = ""
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("tracking stopped",
		zap.String("vehicle_id", vehicleID),
		zap.String("record_id", recordID),
		zap.String("device_id", c.deviceID))
	return nil
}

// deactivateRecords clears the tracking flag of the given record and of any other active
// record of the vehicle written by this device, such as a sample that landed during the stop.
func (c *Coordinator) deactivateRecords(ctx context.Context, vehicleID, recordID string) error {
	if err := c.store.Update(ctx, Collection, recordID, records.Fields{fieldIsTracking: false}); err != nil {
		return err
	}
	if vehicleID == "" {
		return nil
	}
	documents, err := c.store.Query(ctx, records.Query{
		Collection: Collection,
		Filters: []records.Filter{
			{Field: fieldVehicleID, Value: vehicleID},
			{Field: fieldDeviceID, Value: c.deviceID},
		},
	})
	if err != nil {
		return err
	}
	for _, record := range c.parseRecords(documents) {
		if !record.IsTracking || record.ID == recordID || record.AccountID != c.accountID {
			continue
		}
		err := c.store.Update(ctx, Collection, record.ID, records.Fields{fieldIsTracking: false})
		if err != nil && !errors.Is(err, records.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ownedRecord loads a record and hides records of other accounts behind ErrRecordNotFound.
func (c *Coordinator) ownedRecord(ctx context.Context, operation, recordID string) (records.Document, error) {
	document, err := c.store.Get(ctx, Collection, recordID)
	if errors.Is(err, records.ErrNotFound) {
		return records.Document{}, c.fail(operation, "not_found", KindPrecondition, messageRecordNotFound, errors.Join(ErrRecordNotFound, err))
	}
	if err != nil {
		return records.Document{}, c.fail(operation, "get_failed", KindTransport, prefixCheckStatus+err.Error(), err)
	}
	owner, _ := document.Fields.OptionalString(fieldAccountID)
	if owner != c.accountID {
		c.logger.Warn("tracking record of another account refused",
			zap.String("operation", operation),
			zap.String("record_id", recordID),
			zap.String("account_id", c.accountID))
		return records.Document{}, c.fail(operation, "foreign_record", KindPrecondition, messageRecordNotFound, ErrRecordNotFound)
	}
	return document, nil
}

// RemoveFromTracking deletes a record. Removing the selected vehicle's record clears the
// detail view and the selection.
func (c *Coordinator) RemoveFromTracking(ctx context.Context, recordID string) error {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return c.fail(opRemove, "no_record", KindValidation, messageNoRecordSelected, ErrNoRecordSelected)
	}

	document, err := c.ownedRecord(ctx, opRemove, recordID)
	if err != nil {
		return err
	}
	vehicleID, _ := document.Fields.OptionalString(fieldVehicleID)

	err = c.store.Delete(ctx, Collection, recordID)
	if errors.Is(err, records.ErrNotFound) {
		return c.fail(opRemove, "not_found", KindPrecondition, messageRecordNotFound, errors.Join(ErrRecordNotFound, err))
	}
	if err != nil {
		return c.fail(opRemove, "delete_failed", KindTransport, prefixRemove+err.Error(), err)
	}

	c.mu.Lock()
	if vehicleID != "" && c.state.selectedVehicleID == vehicleID {
		c.clearSelectionLocked()
		c.state.phase = PhaseRemoved
	}
	c.state.lastError = ""
	c.mu.Unlock()
	c.broadcast()

	c.logger.Info("tracking record removed",
		zap.String("vehicle_id", vehicleID),
		zap.String("record_id", recordID))
	return nil
}

// SelectVehicle subscribes the detail view to one vehicle. An empty id clears the selection.
func (c *Coordinator) SelectVehicle(vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		c.ClearSelection()
		return nil
	}
	c.mu.Lock()
	if err := c.readyLocked(opSelect); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state.selectedVehicleID != vehicleID {
		c.selectLocked(vehicleID)
	}
	c.mu.Unlock()
	c.broadcast()
	return nil
}

func (c *Coordinator) ClearSelection() {
	c.mu.Lock()
	c.clearSelectionLocked()
	c.mu.Unlock()
	c.broadcast()
}

// SetManualMode switches between typed coordinates and device positioning. Entering
// manual mode suspends continuous sampling immediately.
func (c *Coordinator) SetManualMode(manual bool) {
	c.mu.Lock()
	c.state.manual = manual
	c.reconcileWatchLocked()
	c.mu.Unlock()
	c.broadcast()
}

func (c *Coordinator) readyLocked(operation string) error {
	if c.closed {
		return newServiceError(operation, "closed", KindInternal, messageNotOpen, ErrClosed)
	}
	if c.baseCtx == nil {
		return newServiceError(operation, "not_open", KindInternal, messageNotOpen, ErrNotOpen)
	}
	return nil
}

// activeHolder returns the device of the vehicle's newest record when that record is active.
func (c *Coordinator) activeHolder(ctx context.Context, vehicleID string) (string, error) {
	documents, err := c.store.Query(ctx, records.Query{
		Collection: Collection,
		Filters:    []records.Filter{{Field: fieldVehicleID, Value: vehicleID}},
		OrderBy:    &records.Order{Field: fieldTimestamp, Descending: true},
	})
	if err != nil {
		return "", err
	}
	parsed := c.parseRecords(documents)
	if len(parsed) == 0 {
		return "", nil
	}
	newest := parsed[0]
	if !newest.IsTracking {
		return "", nil
	}
	return newest.DeviceID, nil
}

func (c *Coordinator) newRecord(vehicleID string, lat, lng float64, locationName string, method Method) Record {
	return Record{
		VehicleID:    vehicleID,
		Lat:          lat,
		Lng:          lng,
		LocationName: locationName,
		Timestamp:    c.clock().UTC(),
		Method:       method,
		DeviceID:     c.deviceID,
		AccountID:    c.accountID,
		IsTracking:   true,
	}
}

func (c *Coordinator) abortRequest(vehicleID string) {
	c.mu.Lock()
	if c.state.selectedVehicleID == vehicleID && c.state.phase == PhaseRequesting {
		c.state.phase = PhaseIdle
	}
	c.mu.Unlock()
}

func (c *Coordinator) selectLocked(vehicleID string) {
	c.clearSelectionLocked()
	stream, cancel := c.store.Subscribe(c.baseCtx, records.Query{
		Collection: Collection,
		Filters:    []records.Filter{{Field: fieldVehicleID, Value: vehicleID}},
		OrderBy:    &records.Order{Field: fieldTimestamp, Descending: true},
	})
	current := &selection{vehicleID: vehicleID, cancel: cancel}
	c.selection = current
	c.state.selectedVehicleID = vehicleID
	c.wg.Add(1)
	go c.consumeSelection(current, stream)
}

func (c *Coordinator) clearSelectionLocked() {
	c.stopWatchLocked()
	if c.selection != nil {
		c.selection.cancel()
		c.selection = nil
	}
	c.state.resetSelection()
}

func (c *Coordinator) consumeTracked(stream <-chan records.Snapshot) {
	defer c.wg.Done()
	for snapshot := range stream {
		c.mu.Lock()
		if snapshot.Err != nil {
			c.state.lastError = prefixTrackedList + snapshot.Err.Error()
			c.mu.Unlock()
			c.logError(opOpen, "tracked_snapshot_failed", snapshot.Err)
			c.broadcast()
			continue
		}
		c.state.tracked = LatestPerVehicle(c.parseRecords(snapshot.Documents))
		c.mu.Unlock()
		c.broadcast()
	}
}

func (c *Coordinator) consumeSelection(current *selection, stream <-chan records.Snapshot) {
	defer c.wg.Done()
	for snapshot := range stream {
		c.mu.Lock()
		if c.selection != current {
			c.mu.Unlock()
			continue
		}
		if snapshot.Err != nil {
			c.state.lastError = prefixTrackingUpdate + snapshot.Err.Error()
			c.mu.Unlock()
			c.logError(opSelect, "selection_snapshot_failed", snapshot.Err,
				zap.String("vehicle_id", current.vehicleID))
			c.broadcast()
			continue
		}
		c.applySelectionLocked(c.parseRecords(snapshot.Documents))
		c.mu.Unlock()
		c.broadcast()
	}
}

// applySelectionLocked folds a full history snapshot of the selected vehicle into the view
// and advances the control phase.
func (c *Coordinator) applySelectionLocked(history []Record) {
	c.state.history = history
	if len(history) == 0 {
		c.state.current = nil
		c.state.controller = ""
		c.state.isTracking = false
		if c.state.phase == PhaseControlling && c.state.activeSeen {
			c.state.phase = PhaseRemoved
			c.state.activeRecordID = ""
		}
		c.reconcileWatchLocked()
		return
	}

	latest := history[0]
	c.state.current = &Location{Lat: latest.Lat, Lng: latest.Lng, Name: latest.LocationName}
	c.state.controller = latest.DeviceID
	c.state.isTracking = latest.IsTracking

	switch c.state.phase {
	case PhaseIdle:
		if latest.IsTracking && latest.DeviceID == c.deviceID {
			c.state.phase = PhaseControlling
			c.state.activeRecordID = latest.ID
			c.state.activeSeen = true
		}
	case PhaseControlling:
		c.advanceControllingLocked(history, latest)
	}
	c.reconcileWatchLocked()
}

func (c *Coordinator) advanceControllingLocked(history []Record, latest Record) {
	if !c.state.activeSeen {
		// Snapshots built before our own write carry no information about it.
		if !containsRecord(history, c.state.activeRecordID) {
			return
		}
		c.state.activeSeen = true
	}
	switch {
	case !containsRecord(history, c.state.activeRecordID):
		c.state.phase = PhaseRemoved
		c.state.activeRecordID = ""
	case latest.DeviceID != c.deviceID:
		c.state.phase = PhaseSuperseded
		c.logger.Warn("tracking superseded by another device",
			zap.String("vehicle_id", latest.VehicleID),
			zap.String("device_id", c.deviceID),
			zap.String("controlling_device_id", latest.DeviceID))
	case !latest.IsTracking:
		c.state.phase = PhaseStopped
		c.state.activeRecordID = ""
	}
}

// settleActiveLocked re-applies the held history when a snapshot already carried the
// record just written, since no later snapshot is guaranteed to arrive.
func (c *Coordinator) settleActiveLocked() {
	if containsRecord(c.state.history, c.state.activeRecordID) {
		c.applySelectionLocked(c.state.history)
		return
	}
	c.reconcileWatchLocked()
}

func (c *Coordinator) samplingAllowedLocked() bool {
	state := c.state
	return !c.closed &&
		state.selectedVehicleID != "" &&
		state.phase == PhaseControlling &&
		state.isTracking &&
		!state.manual &&
		(state.controller == "" || state.controller == c.deviceID)
}

// reconcileWatchLocked starts or cancels the position watch so that it runs exactly while
// sampling is allowed.
func (c *Coordinator) reconcileWatchLocked() {
	allowed := c.samplingAllowedLocked()
	switch {
	case allowed && c.watch == nil:
		c.startWatchLocked()
	case !allowed && c.watch != nil:
		c.stopWatchLocked()
	}
}

func (c *Coordinator) startWatchLocked() {
	watchCtx, cancel := context.WithCancel(c.baseCtx)
	handle, err := c.positions.Watch(watchCtx)
	if err != nil {
		cancel()
		c.state.lastError = prefixWatch + err.Error()
		c.logError(opSample, "watch_failed", err)
		return
	}
	current := &activeWatch{handle: handle, cancel: cancel}
	c.watch = current
	c.wg.Add(1)
	go c.runWatch(watchCtx, current)
}

func (c *Coordinator) stopWatchLocked() {
	if c.watch == nil {
		return
	}
	c.watch.cancel()
	c.watch.handle.Close()
	c.watch = nil
}

func (c *Coordinator) runWatch(ctx context.Context, current *activeWatch) {
	defer c.wg.Done()
	positions := current.handle.Positions()
	failures := current.handle.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case position, ok := <-positions:
			if !ok {
				return
			}
			c.recordSample(ctx, current, position)
		case err, ok := <-failures:
			if !ok {
				return
			}
			c.mu.Lock()
			if c.watch == current {
				c.state.lastError = prefixWatch + err.Error()
			}
			c.mu.Unlock()
			c.broadcast()
		}
	}
}

func (c *Coordinator) recordSample(ctx context.Context, current *activeWatch, position geo.Position) {
	c.sampleMu.Lock()
	defer c.sampleMu.Unlock()

	c.mu.Lock()
	if c.watch != current || !c.samplingAllowedLocked() {
		c.mu.Unlock()
		return
	}
	vehicleID := c.state.selectedVehicleID
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	record := c.newRecord(vehicleID, position.Lat, position.Lng, gpsLocationName, MethodGPS)
	id, err := c.store.Create(ctx, Collection, record.fields())

	c.mu.Lock()
	if err != nil {
		if ctx.Err() == nil {
			c.state.lastError = prefixSaveLocation + err.Error()
			c.mu.Unlock()
			c.logError(opSample, "create_failed", err, zap.String("vehicle_id", vehicleID))
			c.broadcast()
			return
		}
		c.mu.Unlock()
		return
	}
	if c.watch == current && c.state.selectedVehicleID == vehicleID {
		c.state.activeRecordID = id
		c.state.activeSeen = false
		c.state.controller = c.deviceID
		c.state.current = &Location{Lat: record.Lat, Lng: record.Lng, Name: record.LocationName}
		c.settleActiveLocked()
	}
	c.mu.Unlock()
	c.broadcast()
}

func (c *Coordinator) parseRecords(documents []records.Document) []Record {
	parsed := make([]Record, 0, len(documents))
	for _, document := range documents {
		record, err := RecordFromDocument(document)
		if err != nil {
			c.logger.Warn("skipping malformed tracking record",
				zap.String("record_id", document.ID),
				zap.Error(err))
			continue
		}
		parsed = append(parsed, record)
	}
	sortNewestFirst(parsed)
	return parsed
}

func (c *Coordinator) fail(operation, reason, kind, message string, cause error) error {
	c.mu.Lock()
	c.state.lastError = message
	c.mu.Unlock()
	c.broadcast()
	if kind == KindTransport {
		c.logError(operation, reason, cause)
	}
	return newServiceError(operation, reason, kind, message, cause)
}

func (c *Coordinator) broadcast() {
	view := c.View()
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, listener := range c.listeners {
		select {
		case listener <- view:
			continue
		default:
		}
		select {
		case <-listener:
		default:
		}
		select {
		case listener <- view:
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
	c.logger.Error("tracking coordinator error", attrs...)
}
