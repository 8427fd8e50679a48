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

// Package server serves the dispatcher to the kernel over NFS.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"tablefs/internal/dispatch"
)

// handleCacheSize bounds the NFS handle cache. Handles past the limit
// are evicted LRU; clients holding an evicted handle get ESTALE and
// re-lookup.
const handleCacheSize = 65536

// NFSServer wraps the go-nfs server around a dispatcher.
type NFSServer struct {
	// InstanceID distinguishes this mount in logs and client-side
	// diagnostics across restarts on the same address.
	InstanceID string

	listener net.Listener
	server   *nfs.Server
	handler  nfs.Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates an NFS server for the dispatcher.
func NewNFSServer(d *dispatch.Dispatcher) *NFSServer {
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	billyFS := NewBillyAdapter(d)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{
		InstanceID: uuid.NewString(),
		server:     server,
		handler:    cacheHelper,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Serve listens on addr and serves until Shutdown.
func (s *NFSServer) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	log.WithFields(log.Fields{
		"addr":     listener.Addr().String(),
		"instance": s.InstanceID,
	}).Info("serving NFS")

	return s.server.Serve(listener)
}

// Addr returns the bound listen address, or empty before Serve.
func (s *NFSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *NFSServer) Shutdown() {
	// Close the listener first to stop accepting new connections.
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight NFS operations to complete after the
	// listener closes. The mountpoint is unmounted before this call in
	// the normal shutdown path, so the kernel client has already
	// disconnected.
	time.Sleep(100 * time.Millisecond)

	if s.cancel != nil {
		s.cancel()
	}

	close(s.done)
}

// Mount mounts the share at mountPath using the macOS mount_nfs
// command. noac disables attribute caching so backend changes are
// immediately visible; soft,timeo=50,retrans=3 keeps a dead server
// from wedging the kernel mount.
func Mount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := exec.Command("mount_nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
		fmt.Sprintf("%s:/", ip),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount_nfs failed: %w: %s", err, string(output))
	}
	return nil
}

// Unmount detaches the mountpoint.
func Unmount(mountPath string) error {
	output, err := exec.Command("umount", mountPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount failed: %w: %s", err, string(output))
	}
	return nil
}
