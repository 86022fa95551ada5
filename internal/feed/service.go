package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"backend-friendlypix/internal/store"
)

var (
	ErrAuthRequired = errors.New("feed: signed-in user required")
	ErrForbidden    = errors.New("feed: not the post owner")
)

// marker is the value stored for shallow feed entries.
var marker = []byte("1")

// A page fetch that hits dangling references deletes them and re-runs from
// the same bounds; the loop is capped so inconsistent remote state cannot
// spin it forever.
const maxRepairAttempts = 3

// Blobs is the binary storage the feed layer hands image bytes to. Upload
// returns a public URL and an opaque storage URI used for later deletion.
type Blobs interface {
	Upload(ctx context.Context, userID, fileName, contentType string, data []byte) (url, uri string, err error)
	Delete(ctx context.Context, uri string) error
}

// Store owns every read and write against the keyed store: pagination, live
// subscriptions, and the fan-out writes behind posts, comments, likes,
// follows and blocks. Subscriptions accumulate in a per-instance registry
// released by CancelAll.
type Store struct {
	client store.Client
	blobs  Blobs

	mu   sync.Mutex
	subs []*store.Subscription
}

func NewStore(client store.Client, blobs Blobs) *Store {
	return &Store{client: client, blobs: blobs}
}

// NextFunc continues a pagination; it returns an empty page with a nil Next
// once the collection is exhausted, no matter how often it is called.
type NextFunc func(ctx context.Context) (Page, error)

// Page is one slice of a feed, newest entry first. Cursor is the bound a
// stateless caller passes as beforeID to fetch the next page; Next does the
// same for in-process callers. Both are zero at the terminal page.
type Page struct {
	Entries []store.Entry
	Cursor  string
	Next    NextFunc
}

// Paginate fetches up to pageSize entries of ref with id <= beforeID
// (unbounded when empty). One extra entry is requested to detect whether
// older entries remain; when it does, that oldest id becomes the cursor and
// is excluded from the page. Shallow feeds are resolved to post bodies, and
// entries whose post no longer exists are deleted from the feed before the
// fetch is retried.
func (s *Store) Paginate(ctx context.Context, ref Ref, pageSize int, beforeID string) (Page, error) {
	for attempt := 1; ; attempt++ {
		entries, err := s.client.Read(ctx, ref.Path(), beforeID, pageSize+1)
		if err != nil {
			return Page{}, err
		}

		var cursor string
		if len(entries) > pageSize {
			cursor = entries[0].ID
			entries = entries[1:]
		}
		reverseEntries(entries)

		if ref.Shallow() {
			expanded, dangling, err := s.expand(ctx, ref, entries)
			if err != nil {
				return Page{}, err
			}
			if dangling && attempt < maxRepairAttempts {
				continue
			}
			entries = expanded
		}

		page := Page{Entries: entries, Cursor: cursor}
		if cursor != "" {
			page.Next = func(ctx context.Context) (Page, error) {
				return s.Paginate(ctx, ref, pageSize, cursor)
			}
		}
		return page, nil
	}
}

// expand resolves marker entries to post bodies. Dangling entries are
// removed from the result and corrected in the source feed; the corrective
// delete is awaited so a retry of the page fetch cannot see them again.
func (s *Store) expand(ctx context.Context, ref Ref, entries []store.Entry) ([]store.Entry, bool, error) {
	out := make([]store.Entry, 0, len(entries))
	dangling := false
	for _, e := range entries {
		val, err := s.client.ReadOnce(ctx, postPath(e.ID))
		if err == store.ErrNotFound {
			dangling = true
			if werr := s.client.Write(ctx, map[string][]byte{ref.entryPath(e.ID): nil}); werr != nil {
				log.Printf("feed: removing dangling entry %s from %s: %v", e.ID, ref.Path(), werr)
			}
			continue
		}
		if err != nil {
			return nil, false, err
		}
		out = append(out, store.Entry{ID: e.ID, Value: val})
	}
	return out, dangling, nil
}

// Subscribe invokes onInsert for every entry inserted into ref after
// sinceID (exclusive). Shallow entries are resolved concurrently, so
// onInsert may fire out of id order; entries whose post vanished before
// resolution are dropped.
func (s *Store) Subscribe(ctx context.Context, ref Ref, sinceID string, onInsert func(id string, value []byte)) error {
	sub, err := s.client.Listen(ctx, ref.Path(), store.Inserted, sinceID)
	if err != nil {
		return err
	}
	s.track(sub)

	go func() {
		for ev := range sub.C {
			if !ref.Shallow() {
				onInsert(ev.ID, ev.Value)
				continue
			}
			ev := ev
			go func() {
				val, err := s.client.ReadOnce(context.Background(), postPath(ev.ID))
				if err != nil {
					if err != store.ErrNotFound {
						log.Printf("feed: resolving live insert %s: %v", ev.ID, err)
					}
					return
				}
				onInsert(ev.ID, val)
			}()
		}
	}()
	return nil
}

// SubscribeRemovals invokes onRemove for every entry removed from ref.
func (s *Store) SubscribeRemovals(ctx context.Context, ref Ref, onRemove func(id string)) error {
	sub, err := s.client.Listen(ctx, ref.Path(), store.Removed, "")
	if err != nil {
		return err
	}
	s.track(sub)

	go func() {
		for ev := range sub.C {
			onRemove(ev.ID)
		}
	}()
	return nil
}

// CancelAll releases every subscription this store has registered. Safe to
// call with an empty registry, and required on view teardown so no
// server-side listener leaks.
func (s *Store) CancelAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (s *Store) track(sub *store.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// UploadNewPic stores both image renditions, then publishes the post with
// one multi-path write: post body, global feed marker, author's post list
// marker, and one marker per hashtag in the caption.
func (s *Store) UploadNewPic(ctx context.Context, author Author, text string, full, thumb PicUpload) (Post, error) {
	if author.UID == "" {
		return Post{}, ErrAuthRequired
	}

	fullURL, fullURI, err := s.blobs.Upload(ctx, author.UID, full.FileName, full.ContentType, full.Data)
	if err != nil {
		return Post{}, err
	}
	thumbURL, thumbURI, err := s.blobs.Upload(ctx, author.UID, thumb.FileName, thumb.ContentType, thumb.Data)
	if err != nil {
		return Post{}, err
	}

	post := Post{
		ID:              s.client.NewID(),
		Author:          author,
		FullURL:         fullURL,
		ThumbURL:        thumbURL,
		Text:            text,
		Timestamp:       time.Now().UTC(),
		FullStorageURI:  fullURI,
		ThumbStorageURI: thumbURI,
		Client:          "web",
	}
	body, err := json.Marshal(post)
	if err != nil {
		return Post{}, err
	}

	updates := map[string][]byte{}
	updates[postPath(post.ID)] = body
	updates[GlobalFeed().entryPath(post.ID)] = marker
	updates[UserPostsFeed(author.UID).entryPath(post.ID)] = marker
	for _, tag := range hashtags(text) {
		updates[HashtagFeed(tag).entryPath(post.ID)] = marker
	}
	if err := s.client.Write(ctx, updates); err != nil {
		return Post{}, err
	}
	return post, nil
}

// GetPost returns the post body at id, or store.ErrNotFound.
func (s *Store) GetPost(ctx context.Context, id string) (Post, error) {
	val, err := s.client.ReadOnce(ctx, postPath(id))
	if err != nil {
		return Post{}, err
	}
	var post Post
	if err := json.Unmarshal(val, &post); err != nil {
		return Post{}, err
	}
	return post, nil
}

// DeletePost removes the post record, its feed markers, its comments and
// its likes in one multi-path delete, then deletes the image blobs best
// effort. Copies fanned out to home feeds are left to the dangling-entry
// repair in Paginate.
func (s *Store) DeletePost(ctx context.Context, uid, postID string) error {
	if uid == "" {
		return ErrAuthRequired
	}
	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Author.UID != uid {
		return ErrForbidden
	}

	updates := map[string][]byte{}
	updates[postPath(postID)] = nil
	updates[GlobalFeed().entryPath(postID)] = nil
	updates[UserPostsFeed(uid).entryPath(postID)] = nil
	updates[PostComments(postID).Path()] = nil
	updates[likesPath(postID)] = nil
	for _, tag := range hashtags(post.Text) {
		updates[HashtagFeed(tag).entryPath(postID)] = nil
	}
	if err := s.client.Write(ctx, updates); err != nil {
		return err
	}

	for _, uri := range []string{post.FullStorageURI, post.ThumbStorageURI} {
		if uri == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, uri); err != nil {
			log.Printf("feed: deleting blob %s for post %s: %v", uri, postID, err)
		}
	}
	return nil
}

// AddComment appends a comment under the post.
func (s *Store) AddComment(ctx context.Context, postID string, author Author, text string) (Comment, error) {
	if author.UID == "" {
		return Comment{}, ErrAuthRequired
	}
	comment := Comment{
		ID:        s.client.NewID(),
		Author:    author,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(comment)
	if err != nil {
		return Comment{}, err
	}
	err = s.client.Write(ctx, map[string][]byte{
		PostComments(postID).entryPath(comment.ID): body,
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// ToggleLike flips uid's like on the post and reports the resulting state.
func (s *Store) ToggleLike(ctx context.Context, uid, postID string) (bool, error) {
	if uid == "" {
		return false, ErrAuthRequired
	}
	path := likesPath(postID) + "/" + uid
	_, err := s.client.ReadOnce(ctx, path)
	switch {
	case err == store.ErrNotFound:
		ts, _ := json.Marshal(time.Now().UTC())
		return true, s.client.Write(ctx, map[string][]byte{path: ts})
	case err != nil:
		return false, err
	default:
		return false, s.client.Write(ctx, map[string][]byte{path: nil})
	}
}

// FollowUser fans the followed user's current posts into the follower's
// home feed, records the sync cursor at their latest post id (empty when
// they have none yet), and sets the reverse follower index in one write,
// off one snapshot of the followed user's post list.
func (s *Store) FollowUser(ctx context.Context, followerID, followedID string) error {
	if followerID == "" {
		return ErrAuthRequired
	}
	posts, err := s.client.Read(ctx, UserPostsFeed(followedID).Path(), "", 0)
	if err != nil {
		return err
	}

	updates := map[string][]byte{}
	cursor := ""
	for _, e := range posts {
		updates[HomeFeed(followerID).entryPath(e.ID)] = marker
		cursor = e.ID
	}
	updates[followingPath(followerID)+"/"+followedID] = []byte(cursor)
	updates[followersPath(followedID)+"/"+followerID] = marker
	return s.client.Write(ctx, updates)
}

// UnfollowUser reverses FollowUser against the followed user's current post
// snapshot.
func (s *Store) UnfollowUser(ctx context.Context, followerID, followedID string) error {
	if followerID == "" {
		return ErrAuthRequired
	}
	posts, err := s.client.Read(ctx, UserPostsFeed(followedID).Path(), "", 0)
	if err != nil {
		return err
	}

	updates := map[string][]byte{}
	for _, e := range posts {
		updates[HomeFeed(followerID).entryPath(e.ID)] = nil
	}
	updates[followingPath(followerID)+"/"+followedID] = nil
	updates[followersPath(followedID)+"/"+followerID] = nil
	return s.client.Write(ctx, updates)
}

// StartHomeFeedUpdaters attaches one live subscription per followed user,
// anchored at the stored sync cursor. Every new post is copied into the home
// feed and advances the cursor; the write is a set, so redelivery of the
// same id cannot duplicate an entry.
func (s *Store) StartHomeFeedUpdaters(ctx context.Context, uid string) error {
	if uid == "" {
		return ErrAuthRequired
	}
	following, err := s.client.Read(ctx, followingPath(uid), "", 0)
	if err != nil {
		return err
	}

	for _, e := range following {
		followedID := e.ID
		cursor := string(e.Value)
		sub, err := s.client.Listen(ctx, UserPostsFeed(followedID).Path(), store.Inserted, cursor)
		if err != nil {
			return err
		}
		s.track(sub)

		go func() {
			for ev := range sub.C {
				updates := map[string][]byte{}
				updates[HomeFeed(uid).entryPath(ev.ID)] = marker
				updates[followingPath(uid)+"/"+followedID] = []byte(ev.ID)
				if err := s.client.Write(context.Background(), updates); err != nil {
					log.Printf("feed: home feed update %s <- %s: %v", uid, followedID, err)
				}
			}
		}()
	}
	return nil
}

// ToggleBlock flips the block state between uid and target. Blocking also
// severs follow edges in both directions and clears both home feeds of the
// other user's posts, in the same write.
func (s *Store) ToggleBlock(ctx context.Context, uid, target string) (bool, error) {
	if uid == "" {
		return false, ErrAuthRequired
	}

	blockPath := blockingPath(uid) + "/" + target
	_, err := s.client.ReadOnce(ctx, blockPath)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}
	if err == nil {
		unblock := map[string][]byte{}
		unblock[blockPath] = nil
		unblock[blockedPath(target)+"/"+uid] = nil
		return false, s.client.Write(ctx, unblock)
	}

	updates := map[string][]byte{}
	updates[blockPath] = marker
	updates[blockedPath(target)+"/"+uid] = marker
	updates[followingPath(uid)+"/"+target] = nil
	updates[followingPath(target)+"/"+uid] = nil
	updates[followersPath(uid)+"/"+target] = nil
	updates[followersPath(target)+"/"+uid] = nil
	theirPosts, err := s.client.Read(ctx, UserPostsFeed(target).Path(), "", 0)
	if err != nil {
		return false, err
	}
	for _, e := range theirPosts {
		updates[HomeFeed(uid).entryPath(e.ID)] = nil
	}
	myPosts, err := s.client.Read(ctx, UserPostsFeed(uid).Path(), "", 0)
	if err != nil {
		return false, err
	}
	for _, e := range myPosts {
		updates[HomeFeed(target).entryPath(e.ID)] = nil
	}
	return true, s.client.Write(ctx, updates)
}

// SaveProfile stores the user's public profile record.
func (s *Store) SaveProfile(ctx context.Context, profile Profile) error {
	if profile.UID == "" {
		return ErrAuthRequired
	}
	body, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return s.client.Write(ctx, map[string][]byte{profilePath(profile.UID): body})
}

// GetProfile returns the stored profile, or store.ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, uid string) (Profile, error) {
	val, err := s.client.ReadOnce(ctx, profilePath(uid))
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(val, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// UpdateProfilePicture rewrites the avatar denormalized into every post the
// user owns, in one multi-path write.
func (s *Store) UpdateProfilePicture(ctx context.Context, uid, url string) error {
	if uid == "" {
		return ErrAuthRequired
	}
	entries, err := s.client.Read(ctx, UserPostsFeed(uid).Path(), "", 0)
	if err != nil {
		return err
	}

	updates := map[string][]byte{}
	for _, e := range entries {
		post, err := s.GetPost(ctx, e.ID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		post.Author.ProfilePicture = url
		body, err := json.Marshal(post)
		if err != nil {
			return err
		}
		updates[postPath(post.ID)] = body
	}
	if len(updates) == 0 {
		return nil
	}
	return s.client.Write(ctx, updates)
}

func DecodePost(e store.Entry) (Post, error) {
	var p Post
	err := json.Unmarshal(e.Value, &p)
	return p, err
}

func DecodeComment(e store.Entry) (Comment, error) {
	var c Comment
	err := json.Unmarshal(e.Value, &c)
	return c, err
}

var hashtagRe = regexp.MustCompile(`#([0-9a-zA-Z_]+)`)

func hashtags(text string) []string {
	seen := map[string]struct{}{}
	var tags []string
	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(m[1])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func reverseEntries(entries []store.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
