package mapper

import (
	"maps"

	"github.com/basekick-labs/pointmap/pkg/models"
)

// Flatten turns a nested query result into one FlatRow per data row, in result, series and
// row order. A server error on the response or on any result fails the whole call and
// yields no rows.
func Flatten(res *models.QueryResult) ([]models.FlatRow, error) {
	return flatten(res, "")
}

// FlattenMeasurement is Flatten restricted to series named measurement.
func FlattenMeasurement(res *models.QueryResult, measurement string) ([]models.FlatRow, error) {
	return flatten(res, measurement)
}

func flatten(res *models.QueryResult, measurement string) ([]models.FlatRow, error) {
	if res == nil {
		return nil, nil
	}
	if err := checkErrors(res); err != nil {
		return nil, err
	}

	var n int
	for _, r := range res.Results {
		for _, s := range r.Series {
			if measurement == "" || s.Name == measurement {
				n += len(s.Values)
			}
		}
	}
	if n == 0 {
		return nil, nil
	}

	rows := make([]models.FlatRow, 0, n)
	for _, r := range res.Results {
		for _, s := range r.Series {
			if measurement != "" && s.Name != measurement {
				continue
			}
			for _, vals := range s.Values {
				rows = append(rows, models.FlatRow{
					Series: s.Name,
					Tags:   maps.Clone(s.Tags),
					Values: zip(s.Columns, vals),
				})
			}
		}
	}
	return rows, nil
}

func checkErrors(res *models.QueryResult) error {
	if res.Err != "" {
		return &QueryError{ResultIndex: -1, Message: res.Err}
	}
	for i, r := range res.Results {
		if r.Err != "" {
			return &QueryError{ResultIndex: i, Message: r.Err}
		}
	}
	return nil
}

// zip pairs columns with row values. Short rows leave trailing columns absent.
func zip(columns []string, vals []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		if i >= len(vals) {
			break
		}
		m[col] = vals[i]
	}
	return m
}
