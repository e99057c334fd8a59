// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session owns the CWMP session engine: the event queue, the inform
// scheduling state machine, retry with backoff, the transfer sub-engine and
// the end-of-session actions. One session runs at a time; all state is
// mutated on the engine goroutine, and trigger sources only post work onto
// it.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/acs"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/backup"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/datamodel"
	"github.com/Niceblueman/ispapp-cwmpclient/internal/soap"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

const (
	maxDownloads = 10
	maxUploads   = 10

	// informDelay coalesces bursts of triggers into one session.
	informDelay = 100 * time.Millisecond
)

// DeviceID is the identity sent in every Inform.
type DeviceID struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
}

// Params collects the collaborators of the engine.
type Params struct {
	Config      *config.Config
	Store       *backup.Store
	Bridge      *datamodel.Bridge
	Client      *acs.Client
	Log         *slog.Logger
	StartBoot   bool
	StartGetRPC bool
	// Reload is invoked for the reload-config end-of-session action.
	Reload func()
	// Stop ends the daemon loop, set by the daemon.
	Stop func()
}

// Engine is the session state machine.
type Engine struct {
	log    *slog.Logger
	cfg    *config.Config
	store  *backup.Store
	bridge *datamodel.Bridge
	client *acs.Client
	codec  *soap.Codec
	device DeviceID

	reload func()
	stop   func()

	events        []*Event
	notifications []Notification

	retryCount    int
	downloadCount int
	uploadCount   int
	methodID      int
	endSession    soap.EndSession
	holdRequests  bool
	getRPCMethods bool

	informPending bool
	informAt      time.Time
	informTimer   *time.Timer
	periodicTimer *time.Timer
	retrySchedule *backoff.ExponentialBackOff

	runCh    chan func()
	informCh chan struct{}
}

// New wires an engine. Init must be called before Run.
func New(p Params) *Engine {
	e := &Engine{
		log:      p.Log,
		cfg:      p.Config,
		store:    p.Store,
		bridge:   p.Bridge,
		client:   p.Client,
		reload:   p.Reload,
		stop:     p.Stop,
		runCh:    make(chan func(), 64),
		informCh: make(chan struct{}, 1),
	}
	e.getRPCMethods = p.StartGetRPC
	e.codec = soap.New(p.Bridge, e, p.Log)
	e.retrySchedule = newRetrySchedule()
	return e
}

// newRetrySchedule builds the TR-069 retry curve: 5 s doubling per failure,
// jittered ±10 %, capped at four hours.
func newRetrySchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = 4 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Init restores the persisted state and applies the startup flags. It runs
// before the engine goroutine starts, so direct state access is safe.
func (e *Engine) Init(ctx context.Context, startBoot bool) error {
	e.checkACSURL()
	e.checkSoftwareVersion()

	// Transfers that were pending across the reboot finished with it.
	e.store.RetrofitCompleteTimes(nowString())

	for _, rec := range e.store.Events() {
		ev := &Event{Code: rec.Code, Key: rec.Key, MethodID: rec.MethodID, BackupID: rec.ID}
		if rec.MethodID >= e.methodID {
			e.methodID = rec.MethodID
		}
		e.events = append(e.events, ev)
	}
	for _, rec := range e.store.TransferCompletes() {
		if rec.MethodID >= e.methodID {
			e.methodID = rec.MethodID
		}
	}
	if len(e.events) > 0 {
		e.scheduleInform(informDelay)
	}

	e.loadTransfers()

	if err := e.initDeviceID(ctx); err != nil {
		return err
	}

	if startBoot {
		e.addEvent(cwmp.EventBoot, "", 0, true)
		e.scheduleInform(informDelay)
	}
	if e.getRPCMethods {
		e.addEvent(cwmp.EventPeriodic, "", 0, true)
		e.scheduleInform(informDelay)
	}

	e.armPeriodicTimer()
	return nil
}

func (e *Engine) initDeviceID(ctx context.Context) error {
	manufacturer, oui, productClass, serial, err := e.bridge.DeviceID(ctx)
	if err != nil {
		return err
	}
	e.device = DeviceID{
		Manufacturer: manufacturer,
		OUI:          oui,
		ProductClass: productClass,
		SerialNumber: serial,
	}
	return nil
}

// checkACSURL rewrites the backup around a changed ACS URL: protocol state
// restarts with a BOOTSTRAP.
func (e *Engine) checkACSURL() {
	current := e.store.ACSURL()
	if current == e.cfg.ACS.URL {
		return
	}
	if current == "" {
		// First contact: seed the document without restarting the protocol.
		e.store.SetACSURL(e.cfg.ACS.URL)
		return
	}
	e.log.Info("acs url changed, rewriting backup", "url", e.cfg.ACS.URL)
	e.clearEvents()
	e.store.SetACSURL(e.cfg.ACS.URL)
	e.addEvent(cwmp.EventBootstrap, "", 0, true)
	e.scheduleInform(informDelay)
}

// checkSoftwareVersion posts a value change when the recorded software
// version differs from the running one.
func (e *Engine) checkSoftwareVersion() {
	recorded := e.store.SoftwareVersion()
	if recorded != "" && recorded != e.cfg.Device.SoftwareVersion {
		e.addEvent(cwmp.EventValueChange, "", 0, false)
		e.scheduleInform(informDelay)
	}
	if recorded != e.cfg.Device.SoftwareVersion {
		e.store.SetSoftwareVersion(e.cfg.Device.SoftwareVersion)
	}
}

// Run services the engine until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.runCh:
			fn()
		case <-e.informCh:
			e.maybeRunSession(ctx)
		}
	}
}

// post queues work onto the engine goroutine.
func (e *Engine) post(fn func()) {
	e.runCh <- fn
}

// scheduleInform marks an inform pending after the delay. An earlier pending
// inform wins.
func (e *Engine) scheduleInform(delay time.Duration) {
	at := time.Now().Add(delay)
	if e.informPending && e.informAt.Before(at) {
		return
	}
	e.informPending = true
	e.informAt = at
	if e.informTimer != nil {
		e.informTimer.Stop()
	}
	e.informTimer = time.AfterFunc(delay, func() {
		select {
		case e.informCh <- struct{}{}:
		default:
		}
	})
}

func (e *Engine) maybeRunSession(ctx context.Context) {
	if !e.informPending {
		return
	}
	e.informPending = false
	e.runSession(ctx)
}

// ConnectionRequest is invoked by the listener and the local RPC surface: it
// queues the event and starts a session immediately.
func (e *Engine) ConnectionRequest(code cwmp.EventCode) {
	e.post(func() {
		e.addEvent(code, "", 0, false)
		e.scheduleInform(informDelay)
	})
}

// Notify runs a value-change poll outside a session; active notifications
// start an immediate inform.
func (e *Engine) Notify() {
	e.post(func() {
		e.pollValueChanges(context.Background(), false)
	})
}

// AddressChanged is posted by the interface watcher: an IP change is a
// value change worth informing about.
func (e *Engine) AddressChanged() {
	e.post(func() {
		e.addEvent(cwmp.EventValueChange, "", 0, false)
		e.scheduleInform(informDelay)
	})
}

// ApplyConfig swaps in a reloaded configuration and client, re-runs the
// backup consistency checks and kicks a value-change poll.
func (e *Engine) ApplyConfig(cfg *config.Config, client *acs.Client) {
	e.post(func() {
		old := e.client
		e.cfg = cfg
		e.client = client
		if old != nil && old != client {
			old.Close()
		}
		e.checkACSURL()
		e.checkSoftwareVersion()
		e.armPeriodicTimer()
		e.pollValueChanges(context.Background(), false)
	})
}

// RequestStop asks the daemon to exit after the loop drains.
func (e *Engine) RequestStop() {
	e.post(func() {
		if e.stop != nil {
			e.stop()
		}
	})
}

// RequestReload asks the daemon to reload its configuration.
func (e *Engine) RequestReload() {
	e.post(func() {
		if e.reload != nil {
			e.reload()
		}
	})
}

// pollValueChanges drains the provider's value-change state into the
// notification list. In-session polls enqueue the value-change event for the
// Inform about to be composed; out-of-session polls do so only for active
// notifications, which also start a session.
func (e *Engine) pollValueChanges(ctx context.Context, inSession bool) {
	records, err := e.bridge.CheckValueChange(ctx)
	if err != nil {
		e.log.Warn("value change poll failed", "err", err)
		return
	}
	changed := false
	active := false
	for _, rec := range records {
		if rec.Parameter == "" {
			continue
		}
		e.addNotification(rec.Parameter, rec.Value, rec.Type)
		changed = true
		if rec.Notification == "2" {
			active = true
		}
	}
	if !changed {
		return
	}
	if inSession || active {
		e.addEvent(cwmp.EventValueChange, "", 0, false)
	}
	if !inSession && active {
		e.scheduleInform(informDelay)
	}
}

// runSession executes the full session protocol and the deferred
// end-of-session actions.
func (e *Engine) runSession(ctx context.Context) {
	sctx := ctx
	var cancel context.CancelFunc
	if deadline, ok := e.nextPeriodicFire(); ok {
		// A stalled session is abandoned when the next periodic fires.
		sctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	err := e.doSession(sctx)
	if err != nil {
		e.log.Warn("session failed", "err", err)
		e.retryCount++
		e.removeEventsByPolicy(cwmp.RemoveNoRetry, 0)
		delay := e.retrySchedule.NextBackOff()
		e.log.Info("session retry scheduled", "delay", delay, "retry_count", e.retryCount)
		e.scheduleInform(delay)
	} else {
		e.log.Info("session completed")
		e.removeEventsByPolicy(cwmp.RemoveAfterInform, 0)
		e.retryCount = 0
		e.retrySchedule.Reset()
	}

	e.runEndSession()
	e.armPeriodicTimer()
}

// doSession is spec steps 1–8: inform, pending CPE requests, then serve ACS
// requests until the empty response.
func (e *Engine) doSession(ctx context.Context) error {
	e.client.Reset()
	e.holdRequests = false

	e.pollValueChanges(ctx, true)

	events := e.snapshotEvents()
	params, err := e.informParameters(ctx)
	if err != nil {
		return err
	}

	msg, err := e.codec.BuildInform(cwmp.DeviceIDStruct{
		Manufacturer: e.device.Manufacturer,
		OUI:          e.device.OUI,
		ProductClass: e.device.ProductClass,
		SerialNumber: e.device.SerialNumber,
	}, events, e.retryCount, params, nowString())
	if err != nil {
		return err
	}

	resp, err := e.client.Send(ctx, msg)
	if err != nil {
		return err
	}
	hold, err := e.codec.ParseInformResponse(resp)
	if err != nil {
		return err
	}
	e.holdRequests = hold
	// Notifications are consumed by the acknowledged Inform.
	e.notifications = nil

	if !e.holdRequests {
		if e.getRPCMethods {
			if err := e.sendGetRPCMethods(ctx); err != nil {
				return err
			}
		}
		if err := e.deliverTransferCompletes(ctx); err != nil {
			return err
		}
	}

	// Empty POST; the ACS either issues another RPC or ends the session.
	var out []byte
	for {
		in, err := e.client.Send(ctx, out)
		if err != nil {
			return err
		}
		if in == nil {
			return nil
		}
		out, err = e.codec.HandleMessage(in)
		if err != nil {
			return err
		}
	}
}

// informParameters merges the provider's inform set with the pending
// notifications, deduplicated by parameter path.
func (e *Engine) informParameters(ctx context.Context) ([]cwmp.ParameterValueStruct, error) {
	records, err := e.bridge.InformParameters(ctx)
	if err != nil {
		return nil, err
	}
	var out []cwmp.ParameterValueStruct
	seen := map[string]bool{}
	for _, rec := range records {
		if rec.Parameter == "" {
			continue
		}
		out = append(out, cwmp.ParameterValueStruct{
			Name:  rec.Parameter,
			Value: cwmp.TypedValue{Type: rec.Type, Value: rec.Value},
		})
		seen[rec.Parameter] = true
	}
	for _, n := range e.notifications {
		if seen[n.Parameter] {
			continue
		}
		out = append(out, cwmp.ParameterValueStruct{
			Name:  n.Parameter,
			Value: cwmp.TypedValue{Type: n.Type, Value: n.Value},
		})
		seen[n.Parameter] = true
	}
	return out, nil
}

func (e *Engine) sendGetRPCMethods(ctx context.Context) error {
	msg, err := e.codec.BuildGetRPCMethods()
	if err != nil {
		return err
	}
	resp, err := e.client.Send(ctx, msg)
	if err != nil {
		return err
	}
	hold, err := e.codec.ParseGetRPCMethodsResponse(resp)
	if err != nil {
		return err
	}
	e.holdRequests = hold
	e.getRPCMethods = false
	return nil
}

// deliverTransferCompletes sends the pending TransferComplete records in
// insertion order. Each acknowledged record is removed together with the
// queue events tied to its method id.
func (e *Engine) deliverTransferCompletes(ctx context.Context) error {
	for _, rec := range e.store.TransferCompletes() {
		msg, err := e.codec.BuildTransferComplete(rec.CommandKey, rec.FaultCode, rec.FaultString, rec.StartTime, rec.CompleteTime)
		if err != nil {
			return err
		}
		resp, err := e.client.Send(ctx, msg)
		if err != nil {
			return err
		}
		hold, err := e.codec.ParseTransferCompleteResponse(resp)
		if err != nil {
			return err
		}
		e.holdRequests = hold
		e.store.RemoveTransferComplete(rec.ID)
		e.removeEventsByPolicy(cwmp.RemoveAfterTransferComplete, rec.MethodID)
	}
	return nil
}

// runEndSession fires the deferred device actions. They run even after a
// failed session so pending events survive in the backup.
func (e *Engine) runEndSession() {
	mask := e.endSession
	e.endSession = 0
	if mask&soap.EndSessionReloadConfig != 0 {
		e.log.Info("end of session: config reload")
		if e.reload != nil {
			e.reload()
		}
	}
	if mask&soap.EndSessionFactoryReset != 0 {
		e.log.Info("end of session: factory reset")
		if _, err := e.bridge.Run(context.Background(), []string{"factory_reset"}); err != nil {
			e.log.Error("factory reset failed", "err", err)
		}
	}
	if mask&soap.EndSessionReboot != 0 {
		e.log.Info("end of session: reboot")
		if _, err := e.bridge.Run(context.Background(), []string{"reboot"}); err != nil {
			e.log.Error("reboot failed", "err", err)
		}
	}
}

// nextPeriodicFire computes the next periodic inform time per the TR-069
// PeriodicInformTime rule. periodic_time is a phase reference: the schedule
// fires at periodic_time plus an integer number of intervals.
func (e *Engine) nextPeriodicFire() (time.Time, bool) {
	if !e.cfg.ACS.PeriodicEnable || e.cfg.ACS.PeriodicInterval <= 0 {
		return time.Time{}, false
	}
	interval := time.Duration(e.cfg.ACS.PeriodicInterval) * time.Second
	base := e.cfg.ACS.PeriodicTimeUTC()
	now := time.Now()
	if base.IsZero() {
		base = now
	}
	elapsed := now.Sub(base)
	periods := int64(elapsed / interval)
	if elapsed >= 0 {
		periods++
	}
	return base.Add(time.Duration(periods) * interval), true
}

func (e *Engine) armPeriodicTimer() {
	if e.periodicTimer != nil {
		e.periodicTimer.Stop()
		e.periodicTimer = nil
	}
	next, ok := e.nextPeriodicFire()
	if !ok {
		return
	}
	e.log.Debug("periodic inform armed", "at", next)
	e.periodicTimer = time.AfterFunc(time.Until(next), func() {
		e.post(func() {
			e.addEvent(cwmp.EventPeriodic, "", 0, true)
			e.scheduleInform(0)
		})
	})
}

// soap.Engine implementation; called synchronously from the RPC handlers on
// the engine goroutine.

// ScheduleInform arms a one-shot scheduled inform carrying the command key.
func (e *Engine) ScheduleInform(key string, delaySeconds int) {
	e.log.Info("inform scheduled", "key", key, "delay_seconds", delaySeconds)
	time.AfterFunc(time.Duration(delaySeconds)*time.Second, func() {
		e.post(func() {
			e.addEvent(cwmp.EventScheduled, key, 0, true)
			e.scheduleInform(0)
		})
	})
}

// PersistMethodEvent records an M-event in the backup only; it enters the
// queue when the backup is reloaded after the device action.
func (e *Engine) PersistMethodEvent(code cwmp.EventCode, key string) {
	e.store.AddEvent(code, key, 0)
}

// AddEndSession accumulates deferred end-of-session actions.
func (e *Engine) AddEndSession(mask soap.EndSession) {
	e.endSession |= mask
}

func nowString() string {
	return time.Now().Format(cwmp.TimeLayout)
}

var _ soap.Engine = (*Engine)(nil)
