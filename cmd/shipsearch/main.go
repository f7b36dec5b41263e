// Command shipsearch runs indexing, evaluation and maintenance tasks against the shipment search core.
package main

import "github.com/cargohub/hub/internal/cli"

func main() {
	cli.Execute()
}
