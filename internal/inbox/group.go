package inbox

import "sort"

// GroupKey is the identity inbox rows are grouped by: the sender id when the
// stored sender is usable, then createdBy, then the message itself so rows
// with no usable hint are never merged together.
func GroupKey(r Row) string {
	switch s := r.Sender.(type) {
	case Resolved:
		return s.User.ID
	case RawID:
		return s.ID
	}
	if r.Message.CreatedBy != "" {
		return r.Message.CreatedBy
	}
	return r.Message.ID
}

// Newer orders messages newest first, breaking timestamp ties by id descending.
func Newer(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortNewestFirst returns a sorted copy of rows.
func SortNewestFirst(rows []Row) []Row {
	out := make([]Row, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool { return Newer(out[i].Message, out[j].Message) })
	return out
}

// LatestPerSender keeps the newest row of every group, newest first.
func LatestPerSender(rows []Row) []Row {
	sorted := SortNewestFirst(rows)
	seen := make(map[string]bool, len(sorted))
	out := make([]Row, 0, len(sorted))
	for _, r := range sorted {
		k := GroupKey(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Paginate returns items[skip:skip+limit] clamped to bounds. limit <= 0 means no limit.
func Paginate[T any](items []T, skip, limit int64) []T {
	n := int64(len(items))
	if skip < 0 {
		skip = 0
	}
	if skip >= n {
		return nil
	}
	end := n
	if limit > 0 && skip+limit < n {
		end = skip + limit
	}
	return items[skip:end]
}

// senderIdentity is the key an entry is counted under once resolved: the
// real user id, or the stored group key for placeholders so unrelated
// unknown senders are never merged.
func senderIdentity(r Row, e Entry) string {
	if id := e.Sender.UserID(); id != "" {
		return "user:" + id
	}
	return "key:" + GroupKey(r)
}

// latestPerResolvedSender keeps the newest entry of every resolved sender.
// rows are newest first and entries[i] is the resolution of rows[i].
func latestPerResolvedSender(rows []Row, entries []Entry) []Entry {
	seen := make(map[string]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		k := senderIdentity(rows[i], e)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}
