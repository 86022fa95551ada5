package feedview

import (
	"context"
	"sort"
	"sync"

	"backend-friendlypix/internal/feed"
	"backend-friendlypix/internal/store"
)

// Source is the slice of the feed store a view consumes: one page fetch
// plus live subscriptions, torn down together through CancelAll.
type Source interface {
	Paginate(ctx context.Context, ref feed.Ref, pageSize int, beforeID string) (feed.Page, error)
	Subscribe(ctx context.Context, ref feed.Ref, sinceID string, onInsert func(id string, value []byte)) error
	SubscribeRemovals(ctx context.Context, ref feed.Ref, onRemove func(id string)) error
	StartHomeFeedUpdaters(ctx context.Context, uid string) error
	CancelAll()
}

// View maintains the ordered, deduplicated list of displayed posts and a
// buffer of new arrivals that are not shown until RevealPending. Store
// callbacks land on listener goroutines, so all state is mutex-guarded.
type View struct {
	source    Source
	pageSize  int
	onPending func(count int)

	mu        sync.Mutex
	displayed []feed.Post
	index     map[string]int
	pending   map[string]feed.Post
	next      feed.NextFunc
	loading   bool
}

// New builds a view over source. onPending, if non-nil, is invoked with the
// pending-buffer size whenever it changes; the UI uses it for its
// "new posts" affordance.
func New(source Source, pageSize int, onPending func(count int)) *View {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &View{
		source:    source,
		pageSize:  pageSize,
		onPending: onPending,
		index:     map[string]int{},
		pending:   map[string]feed.Post{},
	}
}

// ShowGeneralFeed resets the view onto the global feed. Repeat calls clear
// prior state first.
func (v *View) ShowGeneralFeed(ctx context.Context) error {
	v.Clear()
	return v.attach(ctx, feed.GlobalFeed())
}

// ShowHomeFeed resets the view onto uid's home feed. A signed-out caller
// gets an empty view rather than an error.
func (v *View) ShowHomeFeed(ctx context.Context, uid string) error {
	v.Clear()
	if uid == "" {
		return nil
	}
	if err := v.source.StartHomeFeedUpdaters(ctx, uid); err != nil {
		return err
	}
	return v.attach(ctx, feed.HomeFeed(uid))
}

// attach fetches the first page, then anchors the live subscription at the
// newest displayed id so the page boundary item is not redelivered.
func (v *View) attach(ctx context.Context, ref feed.Ref) error {
	page, err := v.source.Paginate(ctx, ref, v.pageSize, "")
	if err != nil {
		return err
	}
	v.AddPage(page)

	v.mu.Lock()
	sinceID := ""
	if len(v.displayed) > 0 {
		sinceID = v.displayed[0].ID
	}
	v.mu.Unlock()

	if err := v.source.Subscribe(ctx, ref, sinceID, v.onLiveInsertRaw); err != nil {
		return err
	}
	return v.source.SubscribeRemovals(ctx, ref, v.OnRemoteDelete)
}

// AddPage appends the page's posts below the current list. A post whose id
// is already displayed replaces the existing representation in place, so
// redelivered pages are harmless.
func (v *View) AddPage(page feed.Page) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, e := range page.Entries {
		post, err := feed.DecodePost(e)
		if err != nil {
			continue
		}
		if i, ok := v.index[post.ID]; ok {
			v.displayed[i] = post
			continue
		}
		v.index[post.ID] = len(v.displayed)
		v.displayed = append(v.displayed, post)
	}
	v.next = page.Next
}

func (v *View) onLiveInsertRaw(_ string, value []byte) {
	post, err := feed.DecodePost(store.Entry{Value: value})
	if err != nil {
		return
	}
	v.OnLiveInsert(post)
}

// OnLiveInsert buffers a new arrival; it never renders. A duplicate id
// overwrites the buffered copy.
func (v *View) OnLiveInsert(post feed.Post) {
	v.mu.Lock()
	v.pending[post.ID] = post
	count := len(v.pending)
	v.mu.Unlock()
	v.notifyPending(count)
}

// RevealPending drains the whole buffer into the displayed list at once,
// newest post topmost, and resets the affordance.
func (v *View) RevealPending() {
	v.mu.Lock()
	ids := make([]string, 0, len(v.pending))
	for id := range v.pending {
		ids = append(ids, id)
	}
	// Newest first; ids already in the list are replaced in place instead
	// of prepended.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	fresh := make([]feed.Post, 0, len(ids))
	for _, id := range ids {
		post := v.pending[id]
		if i, ok := v.index[id]; ok {
			v.displayed[i] = post
			continue
		}
		fresh = append(fresh, post)
	}
	if len(fresh) > 0 {
		v.displayed = append(fresh, v.displayed...)
		v.reindex()
	}
	v.pending = map[string]feed.Post{}
	v.mu.Unlock()
	v.notifyPending(0)
}

// OnRemoteDelete removes the id from the pending buffer and the displayed
// list; a no-op when it is in neither.
func (v *View) OnRemoteDelete(id string) {
	v.mu.Lock()
	delete(v.pending, id)
	count := len(v.pending)
	if i, ok := v.index[id]; ok {
		v.displayed = append(v.displayed[:i], v.displayed[i+1:]...)
		v.reindex()
	}
	v.mu.Unlock()
	v.notifyPending(count)
}

// Clear cancels the store's live subscriptions and resets all view state.
// Safe to call repeatedly.
func (v *View) Clear() {
	v.source.CancelAll()
	v.mu.Lock()
	v.displayed = nil
	v.index = map[string]int{}
	v.pending = map[string]feed.Post{}
	v.next = nil
	v.loading = false
	v.mu.Unlock()
	v.notifyPending(0)
}

// LoadNextPage fetches the next page through the stored continuation and
// appends it. A call while a fetch is in flight, or when no continuation
// remains, does nothing.
func (v *View) LoadNextPage(ctx context.Context) error {
	v.mu.Lock()
	if v.loading || v.next == nil {
		v.mu.Unlock()
		return nil
	}
	v.loading = true
	next := v.next
	v.mu.Unlock()

	page, err := next(ctx)

	v.mu.Lock()
	v.loading = false
	v.mu.Unlock()

	if err != nil {
		return err
	}
	v.AddPage(page)
	return nil
}

// Displayed returns a copy of the rendered list, topmost first.
func (v *View) Displayed() []feed.Post {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]feed.Post, len(v.displayed))
	copy(out, v.displayed)
	return out
}

func (v *View) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// HasMore reports whether a continuation to older posts remains.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.next != nil
}

func (v *View) reindex() {
	v.index = make(map[string]int, len(v.displayed))
	for i, p := range v.displayed {
		v.index[p.ID] = i
	}
}

func (v *View) notifyPending(count int) {
	if v.onPending != nil {
		v.onPending(count)
	}
}
