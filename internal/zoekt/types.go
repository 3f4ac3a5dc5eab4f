package zoekt

// Wire types of the Zoekt webserver and indexer APIs. Field names follow
// the node's JSON keys.

type searchOptions struct {
	TotalMaxMatchCount int `json:"TotalMaxMatchCount"`
	NumContextLines    int `json:"NumContextLines"`
}

type searchPayload struct {
	Q       string        `json:"Q"`
	Opts    searchOptions `json:"Opts"`
	RepoIDs []uint64      `json:"RepoIDs"`
}

// SearchResponse is the node's answer to /api/search.
type SearchResponse struct {
	Result SearchResult `json:"Result"`
	Error  string       `json:"Error,omitempty"`
}

// SearchResult holds the matched files.
type SearchResult struct {
	MatchCount int         `json:"MatchCount"`
	FileCount  int         `json:"FileCount,omitempty"`
	Files      []FileMatch `json:"Files"`
}

// FileMatch is one file with its matching lines. Repository carries the
// project id as a string.
type FileMatch struct {
	Repository  string      `json:"Repository"`
	FileName    string      `json:"FileName"`
	Branches    []string    `json:"Branches,omitempty"`
	LineMatches []LineMatch `json:"LineMatches"`
}

// LineMatch is one matching line. Line, Before and After are base64 encoded
// by the node and decoded by encoding/json into raw bytes.
type LineMatch struct {
	LineNumber int    `json:"LineNumber"`
	Line       []byte `json:"Line"`
	Before     []byte `json:"Before,omitempty"`
	After      []byte `json:"After,omitempty"`
}

type gitalyConnectionInfo struct {
	Address string `json:"Address"`
	Token   string `json:"Token"`
	Storage string `json:"Storage"`
	Path    string `json:"Path"`
}

type indexPayload struct {
	GitalyConnectionInfo gitalyConnectionInfo `json:"GitalyConnectionInfo"`
	RepoID               uint64               `json:"RepoId"`
	FileSizeLimit        int64                `json:"FileSizeLimit"`
	Timeout              string               `json:"Timeout"`
	Force                bool                 `json:"Force,omitempty"`
}

// indexerResponse is the body of indexer calls; a non-empty Error means
// the node rejected the request.
type indexerResponse struct {
	Success bool   `json:"Success,omitempty"`
	Error   string `json:"Error,omitempty"`
}
