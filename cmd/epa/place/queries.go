// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package place

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/js-arias/epa/placement"
)

// readQueryList reads a query-sequence list in this tool's own
// tab-delimited format (header<TAB>sites, one query per line; blank
// lines and lines starting with '#' are skipped). Parsing FASTA or
// PHYLIP alignments is an external collaborator's job, out of this
// module's scope; this is a minimal in-house format so the place
// command has something concrete to read.
func readQueryList(name string) ([]placement.Sequence, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var queries []placement.Sequence
	sc := bufio.NewScanner(f)
	ln := 0
	for sc.Scan() {
		ln++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expecting header and sites separated by a tab", ln)
		}
		queries = append(queries, placement.Sequence{Header: fields[0], Sites: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return queries, nil
}
