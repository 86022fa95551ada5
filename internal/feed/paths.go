package feed

// Ref names one feed. Keeping the set closed here means storage paths are
// built in exactly one place instead of interpolated at every call site.
type Ref struct {
	kind   refKind
	uid    string
	tag    string
	postID string
}

type refKind int

const (
	refGlobal refKind = iota
	refHome
	refUserPosts
	refHashtag
	refComments
)

func GlobalFeed() Ref              { return Ref{kind: refGlobal} }
func HomeFeed(uid string) Ref      { return Ref{kind: refHome, uid: uid} }
func UserPostsFeed(uid string) Ref { return Ref{kind: refUserPosts, uid: uid} }
func HashtagFeed(tag string) Ref   { return Ref{kind: refHashtag, tag: tag} }
func PostComments(id string) Ref   { return Ref{kind: refComments, postID: id} }

// Path is the collection the feed's entries live in.
func (r Ref) Path() string {
	switch r.kind {
	case refHome:
		return "homefeed/" + r.uid
	case refUserPosts:
		return "people/" + r.uid + "/posts"
	case refHashtag:
		return "hashtags/" + r.tag
	case refComments:
		return "comments/" + r.postID
	default:
		return "feed"
	}
}

// Shallow reports whether entries are markers that must be resolved to full
// post bodies. Comment feeds store their bodies inline.
func (r Ref) Shallow() bool {
	return r.kind != refComments
}

func (r Ref) entryPath(id string) string {
	return r.Path() + "/" + id
}

func postPath(id string) string { return "posts/" + id }

func profilePath(uid string) string { return "people/" + uid }

func followingPath(uid string) string { return "people/" + uid + "/following" }

func followersPath(uid string) string { return "followers/" + uid }

func likesPath(postID string) string { return "likes/" + postID }

func blockingPath(uid string) string { return "blocking/" + uid }

func blockedPath(uid string) string { return "blocked/" + uid }
