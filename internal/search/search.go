package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	BranchID string `json:"branchId"`
	Category string `json:"category"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterBranchID string
	PublishedOnly  bool
	Limit          int
	Offset         int
}

// Response is the envelope returned to search callers.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over content.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push content into a search index.
type Indexer interface {
	IndexContent(record ContentRecord) error
	DeleteContent(id string) error
}

// ContentRecord is the data indexed per content item. Body holds the current
// version's text.
type ContentRecord struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	BranchID    string   `json:"branchId"`
	BranchState string   `json:"branchState"`
	IsPublished bool     `json:"isPublished"`
}

// NopIndexer drops records. Used when no search backend is configured.
type NopIndexer struct{}

func (NopIndexer) IndexContent(ContentRecord) error { return nil }
func (NopIndexer) DeleteContent(string) error       { return nil }
