// Command audit-verify checks the integrity of an exported audit log: it
// reads a newline-delimited JSON export (as produced by
// GET /admin/audit/export) and verifies every record's hash links to its
// predecessor, per spec §4.5/scenario S7.
//
//	audit-verify -file audit-export.ndjson
//	cat audit-export.ndjson | audit-verify
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
)

func main() {
	path := flag.String("file", "", "path to an ND-JSON audit export (defaults to stdin)")
	flag.Parse()

	var in *os.File
	if *path == "" {
		in = os.Stdin
	} else {
		f, err := os.Open(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit-verify: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	records, err := audit.ReadNDJSON(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit-verify: read: %v\n", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		fmt.Println("ok: 0 records")
		return
	}

	if err := audit.Verify(records); err != nil {
		fmt.Fprintf(os.Stderr, "audit-verify: chain broken: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ok: %d records, chain intact\n", len(records))
}
