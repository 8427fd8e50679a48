// Copyright 2025 TableFS Authors
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

package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tablefs/internal/dispatch"
	"tablefs/internal/engine"
	"tablefs/internal/server"
	"tablefs/internal/storage"
)

var mountCmd = &cobra.Command{
	Use:   "mount <config>",
	Short: "Serve a database as a filesystem",
	Long: `Opens the database named in the config, serves the mapped namespaces
over NFS on the configured listen address, and optionally mounts the
share at a local mountpoint.

Examples:
  tablefs mount ./tablefs.yaml
  tablefs mount ./tablefs.yaml --mountpoint ./mnt
  tablefs mount ./tablefs.yaml --listen 127.0.0.1:20491`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var (
	mountListen string
	mountPoint  string
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().StringVar(&mountListen, "listen", "", "Listen address (overrides config)")
	mountCmd.Flags().StringVar(&mountPoint, "mountpoint", "", "Mount the share here via mount_nfs (macOS)")
}

func runMount(cmd *cobra.Command, args []string) error {
	set, err := loadMappingSet(args[0])
	if err != nil {
		return err
	}
	if mountListen != "" {
		set.Listen = mountListen
	}

	backend, err := storage.Open(set.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	d := dispatch.New(set, engine.New(backend))
	srv := server.NewNFSServer(d)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(set.Listen)
	}()

	// Wait for the listener so a mountpoint, if requested, targets a
	// live server.
	addr, err := waitForListen(srv, serveErr)
	if err != nil {
		return err
	}

	mounted := false
	if mountPoint != "" {
		host, port, err := splitListenAddr(addr)
		if err != nil {
			srv.Shutdown()
			return err
		}
		if err := server.Mount(host, port, mountPoint); err != nil {
			srv.Shutdown()
			return err
		}
		mounted = true
		log.WithField("mountpoint", mountPoint).Info("mounted")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if mounted {
			unmountQuietly(mountPoint)
		}
		return fmt.Errorf("NFS server stopped: %w", err)
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	}

	// Unmount before shutting the server down so the kernel client
	// disconnects cleanly instead of timing out.
	if mounted {
		unmountQuietly(mountPoint)
	}
	srv.Shutdown()
	return nil
}

func waitForListen(srv *server.NFSServer, serveErr chan error) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-serveErr:
			return "", fmt.Errorf("NFS server failed to start: %w", err)
		default:
		}
		if addr := srv.Addr(); addr != "" {
			return addr, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("NFS server did not start listening")
}

func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

func unmountQuietly(path string) {
	if err := server.Unmount(path); err != nil {
		log.WithError(err).Warn("unmount failed")
	}
}
