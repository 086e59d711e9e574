package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	PlanetID string `json:"planetId"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	FilePath string `json:"filePath"`
	Tier     string `json:"tier"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request. PlanetID is required: search never
// crosses planet boundaries.
type Query struct {
	Text     string
	PlanetID string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NodeRecord is the data we index for a node. Folders are indexed too:
// their titles are searchable even though they carry no content.
type NodeRecord struct {
	ID       string `json:"id"`
	PlanetID string `json:"planetId"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	FilePath string `json:"filePath"`
	Tier     string `json:"tier"`
	Content  string `json:"content"`
}
