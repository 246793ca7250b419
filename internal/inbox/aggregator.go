package inbox

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is used when the aggregator is built with a non-positive page size.
const DefaultPageSize = 10

// Aggregator serves inbox and thread listings.
type Aggregator struct {
	src      Source
	resolver *Resolver
	pageSize int64
	log      *zap.Logger
}

// NewAggregator returns an Aggregator paging by pageSize.
func NewAggregator(src Source, resolver *Resolver, pageSize int64, log *zap.Logger) *Aggregator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{src: src, resolver: resolver, pageSize: pageSize, log: log}
}

// PageSize returns the fixed page size.
func (a *Aggregator) PageSize() int64 { return a.pageSize }

// Inbox lists the newest message from every sender who wrote to receiver,
// with the distinct sender count and the unread sender count for the same filter.
//
// Stored sender keys do not always identify a user (a legacy message may only
// carry createdBy), so every candidate group is resolved in one pass and the
// listing, count and unread count are all taken over resolved senders.
// Any failure fails the whole call.
func (a *Aggregator) Inbox(ctx context.Context, receiver string, customerTypes []string, skip int64) (*Page, error) {
	if !IsObjectIDHex(receiver) {
		return nil, ErrInvalidID
	}
	ct, err := ParseCustomerTypes(customerTypes)
	if err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	f := Filter{Receiver: receiver, CustomerType: ct}
	unreadFilter := f
	unreadFilter.Unread = true

	var all, unread []Row
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = a.src.LatestBySender(gctx, Query{Filter: f})
		return err
	})
	g.Go(func() error {
		var err error
		unread, err = a.src.LatestBySender(gctx, Query{Filter: unreadFilter})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(all)+len(unread))
	rows = append(append(rows, all...), unread...)
	entries, err := a.resolver.Resolve(ctx, rows)
	if err != nil {
		return nil, err
	}
	senders := latestPerResolvedSender(all, entries[:len(all)])
	unreadSenders := int64(len(latestPerResolvedSender(unread, entries[len(all):])))
	count := int64(len(senders))

	result := Paginate(senders, skip, a.pageSize)
	if result == nil {
		result = []Entry{}
	}
	a.log.Debug("inbox listed",
		zap.String("receiver", receiver),
		zap.String("customer_type", string(ct)),
		zap.Int("entries", len(result)),
		zap.Int64("count", count))
	return &Page{Result: result, Count: count, UnreadCount: &unreadSenders, Skip: skip}, nil
}

// Thread lists the conversation between viewer and other, newest first,
// optionally restricted to one request.
func (a *Aggregator) Thread(ctx context.Context, viewer, other, messageFor string, skip int64) (*Page, error) {
	if !IsObjectIDHex(viewer) || !IsObjectIDHex(other) {
		return nil, ErrInvalidID
	}
	if messageFor != "" && !IsObjectIDHex(messageFor) {
		return nil, ErrInvalidID
	}
	if skip < 0 {
		skip = 0
	}
	q := ThreadQuery{Viewer: viewer, Other: other, MessageFor: messageFor, Skip: skip, Limit: a.pageSize}

	var (
		rows  []Row
		count int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = a.src.Thread(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = a.src.CountThread(gctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries, err := a.resolver.Resolve(ctx, rows)
	if err != nil {
		return nil, err
	}
	return &Page{Result: entries, Count: count, Skip: skip}, nil
}

// UnreadCount returns how many distinct resolved senders have unread
// messages for receiver.
func (a *Aggregator) UnreadCount(ctx context.Context, receiver string) (int64, error) {
	if !IsObjectIDHex(receiver) {
		return 0, ErrInvalidID
	}
	rows, err := a.src.LatestBySender(ctx, Query{Filter: Filter{Receiver: receiver, Unread: true}})
	if err != nil {
		return 0, err
	}
	entries, err := a.resolver.Resolve(ctx, rows)
	if err != nil {
		return 0, err
	}
	return int64(len(latestPerResolvedSender(rows, entries))), nil
}
