/**
 * handprint - run handwritten text recognition services on document images
 *
 * Sends each input to one or more HTR/OCR services, writes the text and JSON
 * each service returned, and optionally scores the results against
 * <file>.gt.txt ground-truth transcripts.
 *
 * Commands:
 * - run       recognize local files, directories or URLs directly
 * - submit    enqueue the same work for cmd/worker
 * - services  list the configured services and their limits
 */

package main

import (
	"os"
)

func main() {
	os.Exit(Execute())
}
