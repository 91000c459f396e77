package ftpcore

import (
	"encoding/csv"
	"strings"
)

// splitArgsN splits a command argument string on sep the way a shell
// would (respecting quoting), capping the result at n fields.
func splitArgsN(s string, sep rune, n int) ([]string, error) {
	r := csv.NewReader(strings.NewReader(s))
	r.Comma = sep
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) > n {
		return record[:n], nil
	}
	return record, nil
}
