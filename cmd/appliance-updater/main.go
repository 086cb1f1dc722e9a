// Command appliance-updater updates a docker-compose appliance in place with automatic rollback.
package main

import "github.com/oshokin/appliance-updater/cmd/appliance-updater/cmd"

func main() {
	cmd.Execute()
}
