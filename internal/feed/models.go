package feed

import "time"

type Author struct {
	UID            string `json:"uid"`
	FullName       string `json:"full_name"`
	ProfilePicture string `json:"profile_picture"`
}

type Post struct {
	ID              string    `json:"id"`
	Author          Author    `json:"author"`
	FullURL         string    `json:"full_url"`
	ThumbURL        string    `json:"thumb_url"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	FullStorageURI  string    `json:"full_storage_uri"`
	ThumbStorageURI string    `json:"thumb_storage_uri"`
	Client          string    `json:"client"`
}

type Comment struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// PicUpload carries one image to store alongside a new post.
type PicUpload struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}
