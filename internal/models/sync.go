package models

import "time"

// CreateItem is a page created on the client that the server has not seen yet.
type CreateItem struct {
	ClientID       string    `json:"client_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	Description    *string   `json:"description,omitempty"`
	ImagePreviews  []string  `json:"image_previews,omitempty"`
	CanvasImageCID *string   `json:"canvas_image_cid,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Deleted        bool      `json:"deleted"`
}

// UpdateItem carries changed fields of a page that already has a server id.
// Nil fields are left untouched by the server.
type UpdateItem struct {
	ServerID       string    `json:"server_id"`
	Title          *string   `json:"title,omitempty"`
	Content        *string   `json:"content,omitempty"`
	Description    *string   `json:"description,omitempty"`
	ImagePreviews  *[]string `json:"image_previews,omitempty"`
	CanvasImageCID *string   `json:"canvas_image_cid,omitempty"`
	Deleted        *bool     `json:"deleted,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PushRequest is the body of POST /sync/pages/push.
type PushRequest struct {
	Creates      []CreateItem `json:"creates"`
	Updates      []UpdateItem `json:"updates"`
	LastSyncedAt *time.Time   `json:"last_synced_at,omitempty"`
}

// CreatedResult acknowledges one create and hands back the permanent id.
type CreatedResult struct {
	ClientID    string    `json:"client_id"`
	ServerID    string    `json:"server_id"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinalTitle  string    `json:"final_title"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	Deleted     bool      `json:"deleted"`
}

// UpdatedResult acknowledges one applied update.
type UpdatedResult struct {
	ServerID  string    `json:"server_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Title     string    `json:"title"`
	Deleted   bool      `json:"deleted"`
}

// Conflict reports an update rejected because the server copy is newer.
type Conflict struct {
	ServerID        string    `json:"server_id"`
	ServerUpdatedAt time.Time `json:"server_updated_at"`
	ClientUpdatedAt time.Time `json:"client_updated_at"`
	ServerPage      Page      `json:"server_page"`
}

// FailedItem reports a single item that could not be persisted.
type FailedItem struct {
	ClientID string `json:"client_id,omitempty"`
	ServerID string `json:"server_id,omitempty"`
	Error    string `json:"error"`
}

// PushResponse is the body returned by POST /sync/pages/push.
type PushResponse struct {
	Success   bool            `json:"success"`
	Created   []CreatedResult `json:"created"`
	Updated   []UpdatedResult `json:"updated"`
	Conflicts []Conflict      `json:"conflicts"`
	Failed    []FailedItem    `json:"failed,omitempty"`
}

// PullResponse is the body returned by GET /sync/pages/pull.
type PullResponse struct {
	Success         bool      `json:"success"`
	Pages           []Page    `json:"pages"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}
