// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ispappcwmpd is the TR-069 (CWMP) CPE agent: it keeps a session with the
// configured ACS, executes ACS-issued RPCs against the device data model and
// reports device-side events.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/daemon"
)

const version = "1.0.0"

const pidFilePath = "/var/run/ispappcwmpd.pid"

func main() {
	var (
		foreground  bool
		startBoot   bool
		startGetRPC bool
		configPath  string
		backupPath  string
		helperPath  string
	)

	root := &cobra.Command{
		Use:          "ispappcwmpd",
		Short:        "TR-069 CWMP agent for the device",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pidFile, acquired, err := acquirePidFile(pidFilePath)
			if err != nil {
				return err
			}
			if !acquired {
				// Another instance holds the lock; a double start is not an
				// error.
				return nil
			}
			defer pidFile.Close()

			if !foreground {
				// Daemonization is left to the init system; the flag is kept
				// for command-line compatibility.
				fmt.Fprintln(os.Stderr, "running attached to the terminal; use the init system to daemonize")
			}

			d, err := daemon.New(daemon.Options{
				ConfigPath:  configPath,
				BackupPath:  backupPath,
				HelperPath:  helperPath,
				StartBoot:   startBoot,
				StartGetRPC: startGetRPC,
			})
			if err != nil {
				return err
			}
			return d.Run(context.Background())
		},
	}

	root.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground")
	root.Flags().BoolVarP(&startBoot, "boot", "b", false, `run with "1 BOOT" event`)
	root.Flags().BoolVarP(&startGetRPC, "getrpcmethod", "g", false, `run with "2 PERIODIC" event and with ACS GetRPCMethods`)
	root.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	root.Flags().StringVar(&backupPath, "backup-file", daemon.DefaultBackupPath, "backup document path")
	root.Flags().StringVar(&helperPath, "helper", "", "data model helper path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// acquirePidFile takes an exclusive flock on the pid file. A held lock means
// another instance is running.
func acquirePidFile(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("opening pid file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, false, nil
	}
	unix.CloseOnExec(int(f.Fd()))
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d", os.Getpid())
	}
	return f, true, nil
}
