package models

// QueryResult is the nested response of a query: one Result per statement.
// Err carries a server-reported error for the whole request.
type QueryResult struct {
	Err     string   `json:"error,omitempty"`
	Results []Result `json:"results"`
}

// Result is the outcome of one statement.
type Result struct {
	StatementID int      `json:"statement_id"`
	Err         string   `json:"error,omitempty"`
	Series      []Series `json:"series,omitempty"`
}

// Series is a named stream of rows. Tags is set for GROUP BY queries, in which case the
// grouped tag values do not appear as columns.
//
// Row values are nil, float64, string or bool: numbers always arrive as float64
// whatever the width of the field that was written.
type Series struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]interface{}   `json:"values,omitempty"`
}

// FlatRow is one row of a series with its columns zipped into a map.
// Tags is the series tag map and is shared between the rows of a series; treat it as read-only.
type FlatRow struct {
	Series string
	Tags   map[string]string
	Values map[string]interface{}
}
