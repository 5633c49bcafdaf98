// Package models defines the page and sync wire types shared by the client and server.
package models

import "time"

// Content types accepted for page bodies.
const (
	ContentTypeJSON     = "json"
	ContentTypeMarkdown = "markdown"
	ContentTypeText     = "text"
	ContentTypeCanvas   = "canvas"
)

// ContentTypes lists every accepted content type.
var ContentTypes = []string{ContentTypeJSON, ContentTypeMarkdown, ContentTypeText, ContentTypeCanvas}

// Page is the server-of-record representation of a page.
type Page struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	Description    string    `json:"description,omitempty"`
	ImagePreviews  []string  `json:"image_previews,omitempty"`
	CanvasImageCID string    `json:"canvas_image_cid,omitempty"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SyncStatus is the coarse state exposed by the sync engine.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)
