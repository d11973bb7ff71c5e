/*
Copyright 2024 Fluxsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fluxsync/fluxsync"
	"github.com/fluxsync/fluxsync/config"
	"github.com/fluxsync/fluxsync/database"
	"github.com/fluxsync/fluxsync/internal/notification"
)

// Fluxsync represents the CLI application, encapsulating the root
// Cobra command.
type Fluxsync struct {
	cmd *cobra.Command
}

// fluxsyncInstance holds the runtime instance and its configuration,
// shared by every subcommand.
type fluxsyncInstance struct {
	fluxsync *fluxsync.Fluxsync
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the Fluxsync
// instance before any command runs.
func preRun(app *fluxsyncInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("fluxsync.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFluxsync, err := setupFluxsync(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.fluxsync = newFluxsync
		app.cnf = cnf

		return nil
	}
}

func setupFluxsync(cfg *config.Configuration) (*fluxsync.Fluxsync, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newFluxsync, err := fluxsync.NewFluxsync(db)
	if err != nil {
		return nil, fmt.Errorf("error creating fluxsync: %v", err)
	}
	return newFluxsync, nil
}

// NewCLI creates the command-line interface for the Fluxsync
// application.
func NewCLI() *Fluxsync {
	var configFile string
	b := &fluxsyncInstance{}

	var rootCmd = &cobra.Command{
		Use:   "fluxsync",
		Short: "Webhook intake and cross-service sync",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./fluxsync.json", "Configuration file for fluxsync")
	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(configCommands())

	return &Fluxsync{cmd: rootCmd}
}

func (w Fluxsync) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
