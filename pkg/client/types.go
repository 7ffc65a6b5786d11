package client

import "time"

// SubmitRequest starts a batch command over the given work items.
type SubmitRequest struct {
	Command     string            `json:"command"`
	Submitter   string            `json:"submitter"`
	WorkItemIDs []int             `json:"work_item_ids"`
	Params      map[string]string `json:"params"`
}

// Record is the state of one work item within a batch command.
type Record struct {
	WorkItemID  int       `json:"work_item_id"`
	Command     string    `json:"command"`
	Submitter   string    `json:"submitter"`
	Title       string    `json:"title,omitempty"`
	State       string    `json:"state"`
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"last_updated"`
}

// SubmitResponse is returned once a batch is accepted.
type SubmitResponse struct {
	RunID   string   `json:"run_id"`
	Command string   `json:"command"`
	Records []Record `json:"records"`
}

// CommandSummary counts the records of one command by state.
type CommandSummary struct {
	Command   string         `json:"command"`
	Waiting   bool           `json:"waiting"`
	Total     int            `json:"total"`
	Counts    map[string]int `json:"counts"`
	CreatedAt time.Time      `json:"created_at"`
}

type Script struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args"`
}

type Step struct {
	ID      int      `json:"id"`
	Title   string   `json:"title"`
	Order   int      `json:"order"`
	Scripts []Script `json:"scripts"`
}

type WorkItem struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Steps []Step `json:"steps"`
}

type JournalEntry struct {
	WorkItemID int       `json:"work_item_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Author     string    `json:"author,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResponse carries the token issued for basic credentials.
type LoginResponse struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Token    *Token   `json:"token"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
