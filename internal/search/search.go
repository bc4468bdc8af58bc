package search

// Result is a single comment hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	SiteID     string `json:"siteId"`
	PostSlug   string `json:"postSlug"`
	AuthorName string `json:"authorName"`
	Snippet    string `json:"snippet"`
	CreatedAt  int64  `json:"createdAt"`
}

// Query describes a comment search request. SiteID is mandatory so one
// tenant can never see another tenant's comments.
type Query struct {
	Text     string
	SiteID   string
	PostSlug string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comments.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment. Redacted comments are
// removed from the index rather than carried with empty content.
type CommentRecord struct {
	ID         string `json:"id"`
	SiteID     string `json:"siteId"`
	PostSlug   string `json:"postSlug"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}
