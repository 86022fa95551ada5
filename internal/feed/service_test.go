package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"backend-friendlypix/internal/store"
)

type fakeBlobs struct {
	uploads   int
	deleted   []string
	uploadErr error
	deleteErr error
}

func (f *fakeBlobs) Upload(_ context.Context, userID, fileName, _ string, _ []byte) (string, string, error) {
	if f.uploadErr != nil {
		return "", "", f.uploadErr
	}
	f.uploads++
	uri := fmt.Sprintf("blob://%s/%s/%d", userID, fileName, f.uploads)
	return "https://img.example/" + fileName, uri, nil
}

func (f *fakeBlobs) Delete(_ context.Context, uri string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, uri)
	return nil
}

func newTestStore() (*Store, *store.Memory, *fakeBlobs) {
	mem := store.NewMemory()
	blobs := &fakeBlobs{}
	return NewStore(mem, blobs), mem, blobs
}

func seedPost(t *testing.T, s *Store, uid, text string) Post {
	t.Helper()
	post, err := s.UploadNewPic(context.Background(), Author{UID: uid, FullName: "User " + uid}, text,
		PicUpload{FileName: "full.jpg", ContentType: "image/jpeg", Data: []byte("full")},
		PicUpload{FileName: "thumb.jpg", ContentType: "image/jpeg", Data: []byte("thumb")})
	if err != nil {
		t.Fatalf("upload pic: %v", err)
	}
	return post
}

func pageIDs(p Page) []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestPaginateWalksPages(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	var posts []Post
	for i := 0; i < 7; i++ {
		posts = append(posts, seedPost(t, s, "u1", fmt.Sprintf("post %d", i)))
	}

	page, err := s.Paginate(ctx, GlobalFeed(), 3, "")
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page.Entries))
	}
	if page.Entries[0].ID != posts[6].ID {
		t.Fatalf("expected newest post first")
	}
	if page.Next == nil || page.Cursor == "" {
		t.Fatalf("expected continuation")
	}

	seen := map[string]bool{}
	for _, id := range pageIDs(page) {
		seen[id] = true
	}
	for page.Next != nil {
		prev := page
		page, err = page.Next(ctx)
		if err != nil {
			t.Fatalf("next page: %v", err)
		}
		for _, id := range pageIDs(page) {
			if seen[id] {
				t.Fatalf("id %s delivered twice", id)
			}
			if id >= prev.Entries[len(prev.Entries)-1].ID {
				t.Fatalf("continuation yielded id %s not older than prior page", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 7 {
		t.Fatalf("expected all 7 posts across pages, saw %d", len(seen))
	}
}

func TestPaginateTerminalWhenExactFit(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedPost(t, s, "u1", "p")
	}

	page, err := s.Paginate(ctx, GlobalFeed(), 3, "")
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("expected full page")
	}
	if page.Next != nil || page.Cursor != "" {
		t.Fatalf("expected terminal page when no older entries remain")
	}
}

func TestPaginateStaleContinuationIdempotent(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	posts := []Post{seedPost(t, s, "u1", "a"), seedPost(t, s, "u1", "b"), seedPost(t, s, "u1", "c")}

	page, err := s.Paginate(ctx, GlobalFeed(), 2, "")
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if page.Next == nil {
		t.Fatalf("expected continuation")
	}

	// Delete the only remaining older post, then drive the stale
	// continuation repeatedly.
	if err := s.DeletePost(ctx, "u1", posts[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for i := 0; i < 3; i++ {
		tail, err := page.Next(ctx)
		if err != nil {
			t.Fatalf("stale continuation: %v", err)
		}
		if len(tail.Entries) != 0 || tail.Next != nil {
			t.Fatalf("expected empty terminal page, got %+v", tail)
		}
	}
}

func TestPaginateRepairsDanglingEntries(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()

	var posts []Post
	for i := 0; i < 4; i++ {
		posts = append(posts, seedPost(t, s, "u1", fmt.Sprintf("post %d", i)))
	}

	// Remove one post body directly, leaving its feed marker dangling.
	if err := mem.Write(ctx, map[string][]byte{"posts/" + posts[3].ID: nil}); err != nil {
		t.Fatalf("write: %v", err)
	}

	page, err := s.Paginate(ctx, GlobalFeed(), 3, "")
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	ids := pageIDs(page)
	if len(ids) != 3 {
		t.Fatalf("expected repaired page of requested size, got %v", ids)
	}
	for _, id := range ids {
		if id == posts[3].ID {
			t.Fatalf("dangling id still in page")
		}
	}

	// The corrective delete must have reached the source feed.
	entries, err := mem.Read(ctx, "feed", "", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, e := range entries {
		if e.ID == posts[3].ID {
			t.Fatalf("dangling entry still present in feed")
		}
	}
}

func TestPaginateRepairBounded(t *testing.T) {
	mem := store.NewMemory()
	s := NewStore(&undeletableClient{Client: mem}, &fakeBlobs{})
	ctx := context.Background()

	seed := NewStore(mem, &fakeBlobs{})
	post := seedPost(t, seed, "u1", "kept")
	gone := seedPost(t, seed, "u1", "gone")
	if err := mem.Write(ctx, map[string][]byte{"posts/" + gone.ID: nil}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Corrective deletes are swallowed, so the dangling entry reappears on
	// every retry; the bounded loop must still return.
	page, err := s.Paginate(ctx, GlobalFeed(), 2, "")
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].ID != post.ID {
		t.Fatalf("expected surviving post only, got %v", pageIDs(page))
	}
}

// undeletableClient drops deletes so dangling entries can never be
// repaired.
type undeletableClient struct {
	store.Client
}

func (u *undeletableClient) Write(ctx context.Context, updates map[string][]byte) error {
	for _, v := range updates {
		if v == nil {
			return nil
		}
	}
	return u.Client.Write(ctx, updates)
}

func TestFollowFanOut(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()

	p1 := seedPost(t, s, "b", "one")
	p2 := seedPost(t, s, "b", "two")
	p3 := seedPost(t, s, "b", "three")

	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}

	home, err := mem.Read(ctx, HomeFeed("a").Path(), "", 0)
	if err != nil {
		t.Fatalf("read home: %v", err)
	}
	if len(home) != 3 {
		t.Fatalf("expected 3 home entries, got %d", len(home))
	}

	cursor, err := mem.ReadOnce(ctx, followingPath("a")+"/b")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if string(cursor) != p3.ID {
		t.Fatalf("expected cursor %s, got %s", p3.ID, cursor)
	}

	if _, err := mem.ReadOnce(ctx, followersPath("b")+"/a"); err != nil {
		t.Fatalf("expected follower index entry: %v", err)
	}

	if err := s.UnfollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	home, err = mem.Read(ctx, HomeFeed("a").Path(), "", 0)
	if err != nil {
		t.Fatalf("read home: %v", err)
	}
	for _, e := range home {
		if e.ID == p1.ID || e.ID == p2.ID || e.ID == p3.ID {
			t.Fatalf("home feed still contains %s after unfollow", e.ID)
		}
	}
	if _, err := mem.ReadOnce(ctx, followingPath("a")+"/b"); err != store.ErrNotFound {
		t.Fatalf("expected cursor removed, got %v", err)
	}
}

func TestFollowUserWithoutPosts(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()

	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	cursor, err := mem.ReadOnce(ctx, followingPath("a")+"/b")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if len(cursor) != 0 {
		t.Fatalf("expected empty cursor sentinel, got %q", cursor)
	}
}

func TestHomeFeedLiveUpdaters(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()
	defer s.CancelAll()

	seedPost(t, s, "b", "before follow")
	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := s.StartHomeFeedUpdaters(ctx, "a"); err != nil {
		t.Fatalf("start updaters: %v", err)
	}

	post := seedPost(t, s, "b", "after follow")

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := mem.ReadOnce(ctx, HomeFeed("a").entryPath(post.ID)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("home feed never received live post")
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline = time.Now().Add(time.Second)
	for {
		cursor, err := mem.ReadOnce(ctx, followingPath("a")+"/b")
		if err == nil && string(cursor) == post.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never advanced")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHomeFeedUpdatersCatchUpOnOfflinePosts(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()
	defer s.CancelAll()

	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}

	// b posts while a has no updaters running; the stored cursor must pick
	// the post up when the updaters attach.
	offline := seedPost(t, s, "b", "posted while away")

	if err := s.StartHomeFeedUpdaters(ctx, "a"); err != nil {
		t.Fatalf("start updaters: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := mem.ReadOnce(ctx, HomeFeed("a").entryPath(offline.ID)); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offline post never fanned out to home feed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline = time.Now().Add(time.Second)
	for {
		cursor, err := mem.ReadOnce(ctx, followingPath("a")+"/b")
		if err == nil && string(cursor) == offline.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor never advanced past offline post")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHomeFeedUpdatersSurviveBurst(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()
	defer s.CancelAll()

	seedPost(t, s, "b", "first")
	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := s.StartHomeFeedUpdaters(ctx, "a"); err != nil {
		t.Fatalf("start updaters: %v", err)
	}

	const n = 150
	for i := 0; i < n; i++ {
		seedPost(t, s, "b", "burst")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		home, err := mem.Read(ctx, HomeFeed("a").Path(), "", 0)
		if err != nil {
			t.Fatalf("read home feed: %v", err)
		}
		// n burst posts plus the one fanned out at follow time.
		if len(home) == n+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("home feed has %d of %d posts", len(home), n+1)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHomeFeedUpdateIdempotent(t *testing.T) {
	_, mem, _ := newTestStore()
	ctx := context.Background()

	// Delivering the same id twice through the updater write path must
	// leave exactly one home-feed entry.
	for i := 0; i < 2; i++ {
		updates := map[string][]byte{}
		updates[HomeFeed("a").entryPath("p1")] = marker
		updates[followingPath("a")+"/b"] = []byte("p1")
		if err := mem.Write(ctx, updates); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	home, err := mem.Read(ctx, HomeFeed("a").Path(), "", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(home) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(home))
	}
}

func TestDeletePostScenario(t *testing.T) {
	s, mem, blobs := newTestStore()
	ctx := context.Background()

	post := seedPost(t, s, "b", "shared #trip")
	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.AddComment(ctx, post.ID, Author{UID: "a"}, fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}
	for _, uid := range []string{"a", "c", "d"} {
		if _, err := s.ToggleLike(ctx, uid, post.ID); err != nil {
			t.Fatalf("like: %v", err)
		}
	}

	if err := s.DeletePost(ctx, "b", post.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	global, err := s.Paginate(ctx, GlobalFeed(), 10, "")
	if err != nil {
		t.Fatalf("paginate global: %v", err)
	}
	for _, id := range pageIDs(global) {
		if id == post.ID {
			t.Fatalf("deleted post still in global feed")
		}
	}

	home, err := s.Paginate(ctx, HomeFeed("a"), 10, "")
	if err != nil {
		t.Fatalf("paginate home: %v", err)
	}
	for _, id := range pageIDs(home) {
		if id == post.ID {
			t.Fatalf("deleted post still in home feed")
		}
	}

	comments, err := mem.Read(ctx, PostComments(post.ID).Path(), "", 0)
	if err != nil || len(comments) != 0 {
		t.Fatalf("expected no comments, got %d (%v)", len(comments), err)
	}
	likes, err := mem.Read(ctx, likesPath(post.ID), "", 0)
	if err != nil || len(likes) != 0 {
		t.Fatalf("expected no likes, got %d (%v)", len(likes), err)
	}
	hashtag, err := mem.Read(ctx, HashtagFeed("trip").Path(), "", 0)
	if err != nil || len(hashtag) != 0 {
		t.Fatalf("expected hashtag entry removed")
	}
	if len(blobs.deleted) != 2 {
		t.Fatalf("expected both blobs deleted, got %v", blobs.deleted)
	}
}

func TestDeletePostBlobFailureNonFatal(t *testing.T) {
	s, mem, blobs := newTestStore()
	ctx := context.Background()

	post := seedPost(t, s, "b", "oops")
	blobs.deleteErr = errors.New("blob unavailable")

	if err := s.DeletePost(ctx, "b", post.ID); err != nil {
		t.Fatalf("blob failure must not fail delete: %v", err)
	}
	if _, err := mem.ReadOnce(ctx, postPath(post.ID)); err != store.ErrNotFound {
		t.Fatalf("expected post record gone, got %v", err)
	}
}

func TestDeletePostOwnership(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	post := seedPost(t, s, "b", "mine")
	if err := s.DeletePost(ctx, "a", post.ID); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.DeletePost(ctx, "", post.ID); err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if err := s.DeletePost(ctx, "a", "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestToggleLike(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	post := seedPost(t, s, "b", "likeable")

	liked, err := s.ToggleLike(ctx, "a", post.ID)
	if err != nil || !liked {
		t.Fatalf("expected like set: %v %v", liked, err)
	}
	liked, err = s.ToggleLike(ctx, "a", post.ID)
	if err != nil || liked {
		t.Fatalf("expected like retracted: %v %v", liked, err)
	}
}

func TestToggleBlockSeversEdges(t *testing.T) {
	s, mem, _ := newTestStore()
	ctx := context.Background()

	post := seedPost(t, s, "b", "blocked soon")
	if err := s.FollowUser(ctx, "a", "b"); err != nil {
		t.Fatalf("follow: %v", err)
	}

	blocked, err := s.ToggleBlock(ctx, "a", "b")
	if err != nil || !blocked {
		t.Fatalf("expected blocked: %v %v", blocked, err)
	}
	if _, err := mem.ReadOnce(ctx, followingPath("a")+"/b"); err != store.ErrNotFound {
		t.Fatalf("expected follow edge severed")
	}
	if _, err := mem.ReadOnce(ctx, HomeFeed("a").entryPath(post.ID)); err != store.ErrNotFound {
		t.Fatalf("expected home feed purged")
	}

	blocked, err = s.ToggleBlock(ctx, "a", "b")
	if err != nil || blocked {
		t.Fatalf("expected unblocked: %v %v", blocked, err)
	}
	if _, err := mem.ReadOnce(ctx, blockingPath("a")+"/b"); err != store.ErrNotFound {
		t.Fatalf("expected block record removed")
	}
}

func TestSubscribeExpandsAndSkipsBoundary(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	defer s.CancelAll()

	boundary := seedPost(t, s, "u1", "boundary")

	got := make(chan Post, 4)
	err := s.Subscribe(ctx, GlobalFeed(), boundary.ID, func(_ string, value []byte) {
		var p Post
		if err := json.Unmarshal(value, &p); err == nil {
			got <- p
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fresh := seedPost(t, s, "u1", "fresh")

	select {
	case p := <-got:
		if p.ID != fresh.ID {
			t.Fatalf("expected %s, got %s", fresh.ID, p.ID)
		}
		if p.Text != "fresh" {
			t.Fatalf("expected expanded post body")
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for live insert")
	}

	select {
	case p := <-got:
		t.Fatalf("boundary post redelivered: %s", p.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelAllEmpty(t *testing.T) {
	s, _, _ := newTestStore()
	s.CancelAll()
	s.CancelAll()
}

func TestUploadNewPicRequiresAuth(t *testing.T) {
	s, _, _ := newTestStore()
	_, err := s.UploadNewPic(context.Background(), Author{}, "x", PicUpload{}, PicUpload{})
	if err != ErrAuthRequired {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestUploadNewPicBlobError(t *testing.T) {
	s, _, blobs := newTestStore()
	blobs.uploadErr = errors.New("storage down")
	_, err := s.UploadNewPic(context.Background(), Author{UID: "u1"}, "x", PicUpload{}, PicUpload{})
	if err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestUpdateProfilePicture(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	p1 := seedPost(t, s, "u1", "one")
	p2 := seedPost(t, s, "u1", "two")

	if err := s.UpdateProfilePicture(ctx, "u1", "https://img.example/new.png"); err != nil {
		t.Fatalf("update avatar: %v", err)
	}
	for _, id := range []string{p1.ID, p2.ID} {
		post, err := s.GetPost(ctx, id)
		if err != nil {
			t.Fatalf("get post: %v", err)
		}
		if post.Author.ProfilePicture != "https://img.example/new.png" {
			t.Fatalf("avatar not rewritten on %s", id)
		}
	}
}

func TestSaveAndGetProfile(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()

	profile := Profile{UID: "u1", DisplayName: "Uma", AvatarURL: "https://a"}
	if err := s.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got != profile {
		t.Fatalf("unexpected profile %+v", got)
	}
}

func TestHashtags(t *testing.T) {
	tags := hashtags("Sunset #Beach #beach at #baliTrip")
	if len(tags) != 2 || tags[0] != "beach" || tags[1] != "balitrip" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if hashtags("no tags here") != nil {
		t.Fatalf("expected no tags")
	}
}
