package modules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// CheckCompatibility verifies every requirement (module id -> semver constraint) against
// the available module versions. All problems are reported together.
func CheckCompatibility(requirements, available map[string]string) error {
	if len(requirements) == 0 {
		return nil
	}
	names := make([]string, 0, len(requirements))
	for name := range requirements {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		constraint := strings.TrimSpace(requirements[name])
		have, ok := available[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("module '%s' is not available", name))
			continue
		}
		if constraint == "" || constraint == "*" {
			continue
		}
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			problems = append(problems, fmt.Sprintf("module '%s': invalid constraint '%s': %v", name, constraint, err))
			continue
		}
		v, err := semver.NewVersion(have)
		if err != nil {
			problems = append(problems, fmt.Sprintf("module '%s': invalid version '%s': %v", name, have, err))
			continue
		}
		if ok, errs := c.Validate(v); !ok {
			reasons := make([]string, 0, len(errs))
			for _, e := range errs {
				reasons = append(reasons, e.Error())
			}
			problems = append(problems, fmt.Sprintf("module '%s' %s does not satisfy '%s' (%s)",
				name, have, constraint, strings.Join(reasons, "; ")))
		}
	}
	if len(problems) > 0 {
		return dragonscale.NewCompatibilityError(strings.Join(problems, "; "), nil)
	}
	return nil
}
