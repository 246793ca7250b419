package inbox

import (
	"context"

	"github.com/PaulBabatuyi/leadmarket/internal/normalize"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// UserLookup fetches user projections in batches.
type UserLookup interface {
	ProjectionsByIDs(ctx context.Context, ids []string) ([]UserProjection, error)
	ProjectionsByEmails(ctx context.Context, emails []string) ([]UserProjection, error)
}

// Resolver attaches a sender to every row, trying in order: the already
// joined user, the stored sender id, the request's requesterOwner, the
// message's createdBy email, the request's createdBy email. Rows matching
// none get a placeholder. A pass costs at most one lookup by id and one by email.
type Resolver struct {
	users UserLookup
	log   *zap.Logger
}

// NewResolver returns a Resolver reading users through lookup.
func NewResolver(lookup UserLookup, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{users: lookup, log: log}
}

// Resolve returns one entry per row, in the same order. rows is not modified.
func (r *Resolver) Resolve(ctx context.Context, rows []Row) ([]Entry, error) {
	entries := make([]Entry, len(rows))
	var pending []int
	for i, row := range rows {
		entries[i] = Entry{Message: row.Message, Request: cloneRequest(row.Request)}
		if res, ok := row.Sender.(Resolved); ok {
			entries[i].Sender = SenderFromProjection(res.User)
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return entries, nil
	}

	byID, err := r.fetch(ctx, pending, rows, idCandidates, r.users.ProjectionsByIDs, func(u UserProjection) string { return u.ID })
	if err != nil {
		return nil, err
	}
	var unresolved []int
	for _, i := range pending {
		if u, ok := firstHit(idCandidates(rows[i]), byID); ok {
			entries[i].Sender = SenderFromProjection(u)
			continue
		}
		unresolved = append(unresolved, i)
	}
	if len(unresolved) == 0 {
		return entries, nil
	}

	byEmail, err := r.fetch(ctx, unresolved, rows, emailCandidates, r.users.ProjectionsByEmails, func(u UserProjection) string { return normalize.Email(u.Email) })
	if err != nil {
		return nil, err
	}
	misses := 0
	for _, i := range unresolved {
		emails := emailCandidates(rows[i])
		if u, ok := firstHit(emails, byEmail); ok {
			entries[i].Sender = SenderFromProjection(u)
			continue
		}
		misses++
		best := ""
		if len(emails) > 0 {
			best = emails[0]
		}
		entries[i].Sender = Placeholder(best)
		r.log.Debug("sender unresolved",
			zap.String("message_id", rows[i].Message.ID),
			zap.String("created_by", rows[i].Message.CreatedBy))
	}
	if misses > 0 {
		r.log.Info("synthetic senders attached", zap.Int("rows", len(rows)), zap.Int("misses", misses))
	}
	return entries, nil
}

// fetch batches the candidate keys of the given rows into a single lookup and
// indexes the result by key.
func (r *Resolver) fetch(
	ctx context.Context,
	idx []int,
	rows []Row,
	candidates func(Row) []string,
	lookup func(context.Context, []string) ([]UserProjection, error),
	keyOf func(UserProjection) string,
) (map[string]UserProjection, error) {
	var all []string
	for _, i := range idx {
		all = append(all, candidates(rows[i])...)
	}
	keys := normalize.Unique(all, nil)
	found := make(map[string]UserProjection, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	users, err := lookup(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		found[keyOf(u)] = u
	}
	return found, nil
}

// idCandidates lists the identifier hints of a row in priority order.
func idCandidates(r Row) []string {
	var ids []string
	if raw, ok := r.Sender.(RawID); ok {
		ids = append(ids, raw.ID)
	}
	if r.Request != nil {
		if owner := normalize.ID(r.Request.RequesterOwner); IsObjectIDHex(owner) {
			ids = append(ids, owner)
		}
	}
	return ids
}

// emailCandidates lists the email hints of a row in priority order.
func emailCandidates(r Row) []string {
	var emails []string
	if e, ok := asEmail(r.Message.CreatedBy); ok {
		emails = append(emails, e)
	}
	if r.Request != nil {
		if e, ok := asEmail(r.Request.CreatedBy); ok {
			emails = append(emails, e)
		}
	}
	return emails
}

func asEmail(s string) (string, bool) {
	s = normalize.Email(s)
	if s == "" || validate.Var(s, "email") != nil {
		return "", false
	}
	return s, true
}

func firstHit(keys []string, found map[string]UserProjection) (UserProjection, bool) {
	for _, k := range keys {
		if u, ok := found[k]; ok {
			return u, true
		}
	}
	return UserProjection{}, false
}

func cloneRequest(req *RequestSnapshot) *RequestSnapshot {
	if req == nil {
		return nil
	}
	c := *req
	return &c
}
