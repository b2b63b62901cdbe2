// migrate applies or rolls back the embedded ledger migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/upb/audit-relay/config"
	"github.com/upb/audit-relay/repositories/postgres/migrate"
)

func main() {
	direction := pflag.StringP("direction", "d", migrate.DirectionUp, "Migration direction: up or down")
	pflag.Parse()

	if err := migrate.ValidateDirection(*direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(2)
	}

	dbCfg := config.LoadDatabase()
	if err := migrate.Run(dbCfg.MigrationURL(), *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrations applied (%s) on %s\n", *direction, dbCfg.LogString())
}
