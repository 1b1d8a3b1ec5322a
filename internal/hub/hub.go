package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Hub errors.
var (
	ErrHubClosed = errors.New("hub is not running")
)

// Subscriber is one delivery target for hub fan-out. Send must not
// block; implementations report a full or broken transport with an
// error, which the hub treats as grounds for eviction.
type Subscriber interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type subscribeRequest struct {
	examID string
	sub    Subscriber
	done   chan struct{}
}

type unsubscribeRequest struct {
	examID string
	connID string
}

type attachRequest struct {
	attemptID string
	sub       Subscriber
}

type detachRequest struct {
	attemptID string
	connID    string
}

// Hub fans session and alert events out to subscribed supervisor
// dashboards and to the owning student connection. All subscription
// state is owned by the run goroutine; the exported methods only
// enqueue. Delivery is best-effort: a subscriber that cannot keep up is
// evicted rather than allowed to stall the loop.
type Hub struct {
	store      interfaces.SessionStore
	classifier interfaces.AlertClassifier

	sessionCh     chan *types.Session
	alertCh       chan *types.Alert
	subscribeCh   chan subscribeRequest
	unsubscribeCh chan unsubscribeRequest
	attachCh      chan attachRequest
	detachCh      chan detachRequest

	// Owned by run; never touched from outside the loop.
	supervisors map[string]map[string]Subscriber
	students    map[string]Subscriber

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}
}

// NewHub creates a broadcast hub reading snapshots from the given store
// and classifier.
func NewHub(store interfaces.SessionStore, classifier interfaces.AlertClassifier) *Hub {
	return &Hub{
		store:         store,
		classifier:    classifier,
		sessionCh:     make(chan *types.Session, 256),
		alertCh:       make(chan *types.Alert, 256),
		subscribeCh:   make(chan subscribeRequest, 16),
		unsubscribeCh: make(chan unsubscribeRequest, 16),
		attachCh:      make(chan attachRequest, 16),
		detachCh:      make(chan detachRequest, 16),
		supervisors:   make(map[string]map[string]Subscriber),
		students:      make(map[string]Subscriber),
	}
}

// Start launches the fan-out loop.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.quit = make(chan struct{})
	h.done = make(chan struct{})
	go h.run()
	log.Printf("Broadcast hub started")
}

// Stop drains nothing: pending events are dropped, which is acceptable
// because every subscriber re-snapshots on reconnect.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.quit)
	done := h.done
	h.mu.Unlock()

	<-done
	log.Printf("Broadcast hub stopped")
}

func (h *Hub) isRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// PublishSession enqueues a session change for fan-out. Never blocks;
// when the queue is full the event is dropped and the next snapshot
// repairs any gap.
func (h *Hub) PublishSession(session *types.Session) {
	if !h.isRunning() {
		return
	}
	select {
	case h.sessionCh <- session:
	default:
		log.Printf("Hub session queue full, dropping update for attempt %s", session.AttemptID)
	}
}

// PublishAlert enqueues an alert change for fan-out.
func (h *Hub) PublishAlert(alert *types.Alert) {
	if !h.isRunning() {
		return
	}
	select {
	case h.alertCh <- alert:
	default:
		log.Printf("Hub alert queue full, dropping alert %s", alert.ID)
	}
}

// Subscribe registers a supervisor connection for one exam. The
// subscriber receives a full snapshot before any incremental update, and
// the two cannot interleave because both happen on the run goroutine.
// Subscribe blocks until the snapshot has been handed to the subscriber.
func (h *Hub) Subscribe(examID string, sub Subscriber) error {
	if !h.isRunning() {
		return ErrHubClosed
	}
	req := subscribeRequest{examID: examID, sub: sub, done: make(chan struct{})}
	select {
	case h.subscribeCh <- req:
	case <-h.quit:
		return ErrHubClosed
	}
	select {
	case <-req.done:
		return nil
	case <-h.quit:
		return ErrHubClosed
	}
}

// Unsubscribe removes a supervisor connection from one exam's fan-out.
func (h *Hub) Unsubscribe(examID, connID string) {
	if !h.isRunning() {
		return
	}
	select {
	case h.unsubscribeCh <- unsubscribeRequest{examID: examID, connID: connID}:
	case <-h.quit:
	}
}

// AttachStudent routes session updates for one attempt to the student's
// own connection. A reconnect replaces the previous attachment.
func (h *Hub) AttachStudent(attemptID string, sub Subscriber) {
	if !h.isRunning() {
		return
	}
	select {
	case h.attachCh <- attachRequest{attemptID: attemptID, sub: sub}:
	case <-h.quit:
	}
}

// DetachStudent drops the attempt's student routing, but only if the
// attachment still belongs to the given connection. A stale disconnect
// arriving after a reconnect must not detach the new connection.
func (h *Hub) DetachStudent(attemptID, connID string) {
	if !h.isRunning() {
		return
	}
	select {
	case h.detachCh <- detachRequest{attemptID: attemptID, connID: connID}:
	case <-h.quit:
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			h.closeAll()
			return
		case session := <-h.sessionCh:
			h.fanOutSession(session)
		case alert := <-h.alertCh:
			h.fanOutAlert(alert)
		case req := <-h.subscribeCh:
			h.addSupervisor(req)
		case req := <-h.unsubscribeCh:
			h.removeSupervisor(req.examID, req.connID)
		case req := <-h.attachCh:
			h.students[req.attemptID] = req.sub
		case req := <-h.detachCh:
			if sub, ok := h.students[req.attemptID]; ok && sub.ID() == req.connID {
				delete(h.students, req.attemptID)
			}
		}
	}
}

func (h *Hub) addSupervisor(req subscribeRequest) {
	snapshot := h.buildSnapshot(req.examID)
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("Failed to marshal snapshot for exam %s: %v", req.examID, err)
		close(req.done)
		return
	}
	if err := req.sub.Send(data); err != nil {
		log.Printf("Snapshot delivery failed for connection %s: %v", req.sub.ID(), err)
		req.sub.Close()
		close(req.done)
		return
	}

	if h.supervisors[req.examID] == nil {
		h.supervisors[req.examID] = make(map[string]Subscriber)
	}
	h.supervisors[req.examID][req.sub.ID()] = req.sub
	close(req.done)
	log.Printf("Supervisor %s subscribed to exam %s", req.sub.ID(), req.examID)
}

func (h *Hub) removeSupervisor(examID, connID string) {
	subs, ok := h.supervisors[examID]
	if !ok {
		return
	}
	if _, ok := subs[connID]; !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.supervisors, examID)
	}
	log.Printf("Supervisor %s unsubscribed from exam %s", connID, examID)
}

func (h *Hub) buildSnapshot(examID string) *types.Snapshot {
	snapshot := &types.Snapshot{
		Type:     types.MessageTypeSnapshot,
		ExamID:   examID,
		Sessions: make([]types.SessionUpdate, 0),
		Alerts:   make([]types.AlertNotice, 0),
	}
	for _, session := range h.store.ListByExam(examID) {
		snapshot.Sessions = append(snapshot.Sessions, types.NewSessionUpdate(session))
	}
	for _, alert := range h.classifier.Unresolved(examID) {
		snapshot.Alerts = append(snapshot.Alerts, types.NewAlertNotice(alert))
	}
	return snapshot
}

func (h *Hub) fanOutSession(session *types.Session) {
	data, err := json.Marshal(types.NewSessionUpdate(session))
	if err != nil {
		log.Printf("Failed to marshal session update for %s: %v", session.AttemptID, err)
		return
	}

	if sub, ok := h.students[session.AttemptID]; ok {
		if err := sub.Send(data); err != nil {
			log.Printf("Evicting student connection %s: %v", sub.ID(), err)
			delete(h.students, session.AttemptID)
			sub.Close()
		}
	}
	h.deliverToExam(session.ExamID, data)
}

func (h *Hub) fanOutAlert(alert *types.Alert) {
	data, err := json.Marshal(types.NewAlertNotice(alert))
	if err != nil {
		log.Printf("Failed to marshal alert %s: %v", alert.ID, err)
		return
	}
	h.deliverToExam(alert.ExamID, data)
}

func (h *Hub) deliverToExam(examID string, data []byte) {
	for connID, sub := range h.supervisors[examID] {
		if err := sub.Send(data); err != nil {
			log.Printf("Evicting supervisor connection %s: %v", connID, err)
			h.removeSupervisor(examID, connID)
			sub.Close()
		}
	}
}

func (h *Hub) closeAll() {
	for _, subs := range h.supervisors {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, sub := range h.students {
		sub.Close()
	}
	h.supervisors = make(map[string]map[string]Subscriber)
	h.students = make(map[string]Subscriber)
}
