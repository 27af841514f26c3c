package polarion

import (
	"fmt"
	"strings"
)

// QueryFields is the work item field set a case query asks for. Keeping
// the set minimal keeps the SOAP-era service responsive on wide queries.
var QueryFields = []string{"work_item_id", "test_case_id", "title", "assignee"}

// CaseQuery compiles the search term for a single case id. With a
// positive level the trailing id components are replaced by a wildcard
// so one query prefetches whole modules worth of cases. At least two
// leading components always survive the widening.
func CaseQuery(caseID string, level int) string {
	if level <= 0 {
		return caseID
	}

	components := strings.Split(caseID, ".")
	keep := len(components) - level
	if keep < 2 {
		keep = 2
	}
	if keep > len(components) {
		keep = len(components)
	}

	return strings.Join(components[:keep], ".") + ".*"
}

// Query compiles the full Lucene query a work item search runs with.
// Inactive and not-automated cases never match. Unless crit.AnyRecord
// is set, matches are constrained to cases whose record in the run is
// still empty, widened to blocked and failed records on request.
func Query(project, run string, crit Criteria) string {
	var assignee string
	if crit.Assignee != "" {
		assignee = fmt.Sprintf("assignee.id:%s AND ", crit.Assignee)
	}

	base := assignee + "NOT status:inactive AND caseautomation.KEY:automated"

	var records string
	if !crit.AnyRecord {
		tmpl := fmt.Sprintf("TEST_RECORDS:(%q,", project+"/"+run)
		records = tmpl + "@null)"
		if crit.IncludeBlocked {
			records += fmt.Sprintf(" OR %s%q)", tmpl, VerdictBlocked)
		}
		if crit.IncludeFailed {
			records += fmt.Sprintf(" OR %s%q)", tmpl, VerdictFailed)
		}
	}

	switch {
	case records != "" && crit.CaseQuery != "":
		return fmt.Sprintf("%s AND ((%s) AND %s)", base, records, crit.CaseQuery)
	case records != "":
		return fmt.Sprintf("%s AND (%s)", base, records)
	case crit.CaseQuery != "":
		return fmt.Sprintf("%s AND (%s)", base, crit.CaseQuery)
	default:
		return base
	}
}
