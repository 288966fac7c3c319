package models

// User is the host's view of a learner or manager.
type User struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	City        string   `json:"city"`
	Institution string   `json:"institution"`
	Department  string   `json:"department"`
	Groups      []string `json:"groups,omitempty"`
	Confirmed   bool     `json:"confirmed"`
	Deleted     bool     `json:"deleted"`
}

// Course is the subset of course data needed for visibility and templating.
type Course struct {
	ID         int64  `json:"id"`
	ShortName  string `json:"short_name"`
	FullName   string `json:"full_name"`
	Visible    bool   `json:"visible"`
	CategoryID int64  `json:"category_id"`
}

// Category is a node in the course category tree. ParentID 0 is the root.
type Category struct {
	ID       int64 `json:"id"`
	Visible  bool  `json:"visible"`
	ParentID int64 `json:"parent_id"`
}

// StartCapability is the capability a user needs to begin tracking.
const StartCapability = "mod/reengagement:startreengagement"
