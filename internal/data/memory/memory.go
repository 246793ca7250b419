// Package memory is an in-process implementation of the data stores used for
// tests and for running the service without MongoDB. It follows the Mongo
// stores' semantics, including legacy sender shapes.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/inbox"
	"github.com/PaulBabatuyi/leadmarket/internal/jobs"
	"github.com/PaulBabatuyi/leadmarket/internal/normalize"
	"github.com/google/uuid"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type message struct {
	msg inbox.Message
	// sender is stored as-is: bson.ObjectID, string, bson.D or nil.
	sender any
}

// Store holds users, requests, messages and jobs in memory. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*data.User // by id hex
	requests map[string]*data.Request
	messages []*message
	jobs     map[string]*jobs.Job
	seq      int64
	now      func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    map[string]*data.User{},
		requests: map[string]*data.Request{},
		jobs:     map[string]*jobs.Job{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// ---- users ----

// CreateUser mirrors data.UsersStore.CreateUser.
func (s *Store) CreateUser(_ context.Context, user *data.User) (*data.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := normalize.Email(user.Email)
	for _, u := range s.users {
		if u.Email == email {
			return nil, data.ErrUserExists
		}
	}
	now := s.now()
	doc := *user
	doc.ID = bson.NewObjectID()
	doc.Email = email
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.users[doc.ID.Hex()] = &doc
	out := doc
	return &out, nil
}

// GetUserByEmail mirrors data.UsersStore.GetUserByEmail.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*data.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u := s.userByEmail(normalize.Email(email)); u != nil {
		out := *u
		return &out, nil
	}
	return nil, data.ErrUserNotFound
}

// GetUserByID mirrors data.UsersStore.GetUserByID.
func (s *Store) GetUserByID(_ context.Context, id string) (*data.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, data.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// UserExists mirrors data.UsersStore.UserExists.
func (s *Store) UserExists(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userByEmail(normalize.Email(email)) != nil, nil
}

// ProjectionsByIDs implements inbox.UserLookup.
func (s *Store) ProjectionsByIDs(_ context.Context, ids []string) ([]inbox.UserProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inbox.UserProjection
	seen := map[string]bool{}
	for _, id := range ids {
		if u, ok := s.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, u.Projection())
		}
	}
	return out, nil
}

// ProjectionsByEmails implements inbox.UserLookup.
func (s *Store) ProjectionsByEmails(_ context.Context, emails []string) ([]inbox.UserProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inbox.UserProjection
	seen := map[string]bool{}
	for _, e := range emails {
		if u := s.userByEmail(normalize.Email(e)); u != nil && !seen[u.Email] {
			seen[u.Email] = true
			out = append(out, u.Projection())
		}
	}
	return out, nil
}

// AddPushSubscription mirrors data.UsersStore.AddPushSubscription.
func (s *Store) AddPushSubscription(_ context.Context, userID string, sub data.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return data.ErrUserNotFound
	}
	u.PushSubscriptions = append(withoutEndpoint(u.PushSubscriptions, sub.Endpoint), sub)
	u.UpdatedAt = s.now()
	return nil
}

// RemovePushSubscription mirrors data.UsersStore.RemovePushSubscription.
func (s *Store) RemovePushSubscription(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return data.ErrUserNotFound
	}
	u.PushSubscriptions = withoutEndpoint(u.PushSubscriptions, endpoint)
	return nil
}

// PushSubscriptions mirrors data.UsersStore.PushSubscriptions.
func (s *Store) PushSubscriptions(_ context.Context, userID string) ([]data.PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, data.ErrUserNotFound
	}
	return append([]data.PushSubscription(nil), u.PushSubscriptions...), nil
}

func (s *Store) userByEmail(email string) *data.User {
	if email == "" {
		return nil
	}
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func withoutEndpoint(subs []data.PushSubscription, endpoint string) []data.PushSubscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.Endpoint != endpoint {
			out = append(out, s)
		}
	}
	return out
}

// ---- requests ----

// CreateRequest mirrors data.RequestsStore.CreateRequest.
func (s *Store) CreateRequest(_ context.Context, req *data.Request) (*data.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	doc := *req
	doc.ID = bson.NewObjectID()
	doc.HiredAffiliate = nil
	doc.CreatedAt = now
	doc.UpdatedAt = now
	s.requests[doc.ID.Hex()] = &doc
	out := doc
	return &out, nil
}

// GetRequest mirrors data.RequestsStore.GetRequest.
func (s *Store) GetRequest(_ context.Context, id string) (*data.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, data.ErrRequestNotFound
	}
	out := *r
	return &out, nil
}

// HireAffiliate mirrors data.RequestsStore.HireAffiliate.
func (s *Store) HireAffiliate(_ context.Context, id, affiliateID string) (*data.Request, error) {
	affiliate, err := bson.ObjectIDFromHex(affiliateID)
	if err != nil {
		return nil, data.ErrUserNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, data.ErrRequestNotFound
	}
	r.HiredAffiliate = &affiliate
	r.UpdatedAt = s.now()
	out := *r
	return &out, nil
}

// ---- messages ----

// SaveMessage mirrors data.MessagesStore.SaveMessage.
func (s *Store) SaveMessage(_ context.Context, in data.NewMessage) (*inbox.Message, error) {
	sender, err := bson.ObjectIDFromHex(in.Sender)
	if err != nil {
		return nil, inbox.ErrInvalidID
	}
	if !inbox.IsObjectIDHex(in.Receiver) {
		return nil, inbox.ErrInvalidID
	}
	if in.MessageFor != "" && !inbox.IsObjectIDHex(in.MessageFor) {
		return nil, inbox.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	m := inbox.Message{
		ID:        bson.NewObjectID().Hex(),
		Seq:       strconv.FormatInt(s.seq, 10),
		SenderID:  sender.Hex(),
		Receiver:  in.Receiver,
		Text:      in.Text,
		File:      in.File,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: in.CreatedBy,
	}
	if in.MessageFor != "" {
		m.MessageFor = in.MessageFor
		m.MessageForModel = inbox.MessageForRequest
	}
	s.messages = append(s.messages, &message{msg: m, sender: sender})
	out := m
	return &out, nil
}

// InsertLegacy stores msg with the raw stored sender value, as older
// documents do: an ObjectID, a string (possibly malformed), an embedded
// user document or nil. Empty ID, Seq and CreatedAt are filled in.
func (s *Store) InsertLegacy(msg inbox.Message, rawSender any) inbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if msg.ID == "" {
		msg.ID = bson.NewObjectID().Hex()
	}
	if msg.Seq == "" {
		msg.Seq = strconv.FormatInt(s.seq, 10)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.MessageFor != "" && msg.MessageForModel == "" {
		msg.MessageForModel = inbox.MessageForRequest
	}
	msg.SenderID = ""
	if raw, ok := data.ClassifySender(rawSender).(inbox.RawID); ok {
		msg.SenderID = raw.ID
	}
	s.messages = append(s.messages, &message{msg: msg, sender: rawSender})
	return msg
}

// MarkThreadRead mirrors data.MessagesStore.MarkThreadRead.
func (s *Store) MarkThreadRead(_ context.Context, reader, sender, messageFor string, at time.Time) (int64, error) {
	if !inbox.IsObjectIDHex(reader) || !inbox.IsObjectIDHex(sender) {
		return 0, inbox.ErrInvalidID
	}
	if messageFor != "" && !inbox.IsObjectIDHex(messageFor) {
		return 0, inbox.ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.msg.Receiver != reader || m.msg.Read != nil || !sentBy(m.sender, sender) {
			continue
		}
		if messageFor != "" && m.msg.MessageFor != messageFor {
			continue
		}
		t := at
		m.msg.Read = &t
		m.msg.UpdatedAt = at
		n++
	}
	return n, nil
}

// LatestBySender implements inbox.Source.
func (s *Store) LatestBySender(_ context.Context, q inbox.Query) ([]inbox.Row, error) {
	rows, err := s.inboxRows(q.Filter)
	if err != nil {
		return nil, err
	}
	return inbox.Paginate(inbox.LatestPerSender(rows), q.Skip, q.Limit), nil
}

// Thread implements inbox.Source.
func (s *Store) Thread(_ context.Context, q inbox.ThreadQuery) ([]inbox.Row, error) {
	rows, err := s.threadRows(q)
	if err != nil {
		return nil, err
	}
	return inbox.Paginate(inbox.SortNewestFirst(rows), q.Skip, q.Limit), nil
}

// CountThread implements inbox.Source.
func (s *Store) CountThread(_ context.Context, q inbox.ThreadQuery) (int64, error) {
	rows, err := s.threadRows(q)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) inboxRows(f inbox.Filter) ([]inbox.Row, error) {
	if !inbox.IsObjectIDHex(f.Receiver) {
		return nil, inbox.ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []inbox.Row
	for _, m := range s.messages {
		if m.msg.Receiver != f.Receiver || (f.Unread && m.msg.Read != nil) {
			continue
		}
		r := s.row(m)
		if !f.CustomerType.Matches(r.Request) {
			continue
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func (s *Store) threadRows(q inbox.ThreadQuery) ([]inbox.Row, error) {
	if !inbox.IsObjectIDHex(q.Viewer) || !inbox.IsObjectIDHex(q.Other) {
		return nil, inbox.ErrInvalidID
	}
	if q.MessageFor != "" && !inbox.IsObjectIDHex(q.MessageFor) {
		return nil, inbox.ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []inbox.Row
	for _, m := range s.messages {
		in := sentBy(m.sender, q.Other) && m.msg.Receiver == q.Viewer
		out := sentBy(m.sender, q.Viewer) && m.msg.Receiver == q.Other
		if !in && !out {
			continue
		}
		if q.MessageFor != "" && (m.msg.MessageFor != q.MessageFor || m.msg.MessageForModel != inbox.MessageForRequest) {
			continue
		}
		rows = append(rows, s.row(m))
	}
	return rows, nil
}

// row joins m like the Mongo pipelines do: an ObjectID sender with a
// matching user is resolved, the linked request is attached.
func (s *Store) row(m *message) inbox.Row {
	r := inbox.Row{Message: m.msg, Sender: data.ClassifySender(m.sender)}
	if oid, ok := m.sender.(bson.ObjectID); ok {
		if u, ok := s.users[oid.Hex()]; ok {
			r.Sender = inbox.Resolved{User: u.Projection()}
			r.Message.SenderID = oid.Hex()
		}
	}
	if m.msg.MessageFor != "" {
		if req, ok := s.requests[m.msg.MessageFor]; ok {
			r.Request = req.Snapshot()
		}
	}
	return r
}

// sentBy matches a stored sender against a user id the way the Mongo filter
// does: as an ObjectID or as the exact hex string.
func sentBy(stored any, id string) bool {
	switch v := stored.(type) {
	case bson.ObjectID:
		return v.Hex() == id
	case string:
		return v == id
	}
	return false
}

// ---- jobs ----

// Enqueue implements jobs.Store.
func (s *Store) Enqueue(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = jobs.StatusPending
	job.Attempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// Claim implements jobs.Store.
func (s *Store) Claim(_ context.Context, now, staleBefore time.Time) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*jobs.Job
	for _, j := range s.jobs {
		pending := j.Status == jobs.StatusPending && !j.RunAt.After(now)
		stale := j.Status == jobs.StatusRunning && j.UpdatedAt.Before(staleBefore)
		if pending || stale {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	j := due[0]
	j.Status = jobs.StatusRunning
	j.Attempts++
	j.UpdatedAt = now
	out := *j
	return &out, nil
}

// Complete implements jobs.Store.
func (s *Store) Complete(_ context.Context, id string) error {
	return s.updateJob(id, func(j *jobs.Job) { j.Status = jobs.StatusDone })
}

// Retry implements jobs.Store.
func (s *Store) Retry(_ context.Context, id, lastError string, runAt time.Time) error {
	return s.updateJob(id, func(j *jobs.Job) {
		j.Status = jobs.StatusPending
		j.LastError = lastError
		j.RunAt = runAt
	})
}

// Fail implements jobs.Store.
func (s *Store) Fail(_ context.Context, id, lastError string) error {
	return s.updateJob(id, func(j *jobs.Job) {
		j.Status = jobs.StatusFailed
		j.LastError = lastError
	})
}

// Jobs returns a snapshot of every job. Tests only.
func (s *Store) Jobs() []jobs.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (s *Store) updateJob(id string, fn func(*jobs.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return data.ErrJobNotFound
	}
	fn(j)
	j.UpdatedAt = s.now()
	return nil
}
