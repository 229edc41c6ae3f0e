package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

// ParseIds turns command arguments into resource ids. "all" selects every declared
// resource; otherwise each argument is an id or a comma separated list of ids.
func ParseIds(mf *model.Manifest, args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, errors.New("no resources selected; pass ids or 'all'")
	}
	if len(args) == 1 && args[0] == "all" {
		return mf.Ids(), nil
	}
	seen := map[int]bool{}
	var ids []int
	for _, arg := range args {
		for _, field := range strings.Split(arg, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if field == "all" {
				return nil, errors.New("'all' cannot be combined with ids")
			}
			id, err := strconv.Atoi(field)
			if err != nil {
				return nil, errors.Errorf("invalid resource id [%s]", field)
			}
			if _, found := mf.Resource(id); !found {
				return nil, errors.Errorf("unknown resource %d", id)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no resources selected; pass ids or 'all'")
	}
	sort.Ints(ids)
	return ids, nil
}
